package lamp

import (
	"context"
	"fmt"
	"log/slog"
)

// sendCommand writes a single frame to char. The link is opened if needed
// and, when this call opened it, released again on every exit path.
func sendCommand(ctx context.Context, link Link, char string, frame []byte, withResponse bool) (err error) {
	release, err := acquireLink(ctx, link)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	slog.Debug("[LAMP] write", "char", char, "frame", fmt.Sprintf("% X", frame), "ack", withResponse)
	return linkErr("write", link.Write(char, frame, withResponse))
}

// acquireLink connects link unless it is already open. The returned release
// func disconnects only a link that acquireLink connected.
func acquireLink(ctx context.Context, link Link) (release func() error, err error) {
	if link.IsConnected() {
		return func() error { return nil }, nil
	}
	if err := link.Connect(ctx); err != nil {
		return nil, linkErr("connect", err)
	}
	return func() error {
		if err := link.Disconnect(); err != nil {
			slog.Warn("[LAMP] disconnect failed", "error", err)
			return linkErr("disconnect", err)
		}
		return nil
	}, nil
}
