package logging

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEarlyLog_Error(t *testing.T) {
	var buf bytes.Buffer
	l := &EarlyLog{
		service: "post-service",
		out:     &buf,
		now:     func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}

	l.Error("Failed to load config: %v", "no such file")

	assert.Equal(t, "2024-05-01T12:00:00Z error [post-service] Failed to load config: no such file\n", buf.String())
}
