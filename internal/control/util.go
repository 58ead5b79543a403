package control

import (
	"context"
	"strconv"
	"time"

	"github.com/nuefs/nuefsd/internal/nuefs"
)

func parseMountID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, nuefs.Transport("parse mount_id", err)
	}
	return id, nil
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
