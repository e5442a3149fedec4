package shared

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"github.com/phrazzld/taskqueue/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Global validator instance for reuse
var validate = validator.New()

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 1 << 20

// DecodeJSON decodes the request body into the given struct.
func DecodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, MaxBodyBytes)).Decode(v)
}

// ValidateRequest validates the given struct using the validator package.
func ValidateRequest(v interface{}) error {
	if validator, ok := v.(interface{ Validate() error }); ok {
		return validator.Validate()
	}
	return validate.Struct(v)
}

// PageFromQuery reads the zero-based "page" and "size" query parameters
// and the "sort" direction. Results are newest first unless sort=asc.
// Missing or malformed values fall back to the defaults.
func PageFromQuery(r *http.Request) store.PageRequest {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))
	return store.PageRequest{
		Page: page,
		Size: size,
		Desc: !strings.EqualFold(q.Get("sort"), "asc"),
	}.Normalize()
}
