package redis

import (
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestKeysAndDefaults(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "localhost:0"})
	b := New(client, Options{}, nil)
	defer func() { _ = b.Close() }()

	assert.Equal(t, "taskqueue:task-queue", b.Key("task-queue"))
	assert.Equal(t, "taskqueue:task-queue:processing", b.ProcessingKey("task-queue"))
	assert.Equal(t, 1, b.opts.Workers)
	assert.Equal(t, time.Second, b.opts.PollTimeout)

	custom := New(client, Options{Prefix: "q", Workers: 3}, nil)
	assert.Equal(t, "q:jobs", custom.Key("jobs"))
	assert.Equal(t, 3, custom.opts.Workers)
}
