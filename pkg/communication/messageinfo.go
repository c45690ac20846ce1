package communication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/morezero/peer-broker/pkg/model"
)

const messageInfoLogPrefix = "communication:messageinfo"

var (
	// ErrInvalidMessageInfo is returned for documentation without a type.
	ErrInvalidMessageInfo = errors.New("message info requires a type")
	// ErrMessageInfoNotFound is returned for undocumented type/subtype pairs.
	ErrMessageInfoNotFound = errors.New("message info not found")
	// ErrNoMessageInfoStore is returned when no store is configured.
	ErrNoMessageInfoStore = errors.New("message info store not configured")
)

// AddMessageInfo documents a message type/subtype pair, replacing earlier documentation.
func (c *Communication) AddMessageInfo(ctx context.Context, info model.MessageInfo) error {
	if c.info == nil {
		return ErrNoMessageInfoStore
	}
	if info.Type == "" {
		return fmt.Errorf("%s - %w", messageInfoLogPrefix, ErrInvalidMessageInfo)
	}
	if err := c.info.AddMessageInfo(ctx, info); err != nil {
		return fmt.Errorf("%s - failed to store %s/%s: %w", messageInfoLogPrefix, info.Type, info.Subtype, err)
	}
	slog.Debug(fmt.Sprintf("%s - Documented %s/%s", messageInfoLogPrefix, info.Type, info.Subtype))
	return nil
}

// MessageInfo returns the documentation of a type/subtype pair.
func (c *Communication) MessageInfo(ctx context.Context, msgType, subtype string) (*model.MessageInfo, error) {
	if c.info == nil {
		return nil, ErrNoMessageInfoStore
	}
	info, err := c.info.GetMessageInfo(ctx, msgType, subtype)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to get %s/%s: %w", messageInfoLogPrefix, msgType, subtype, err)
	}
	if info == nil {
		return nil, fmt.Errorf("%s - %s/%s: %w", messageInfoLogPrefix, msgType, subtype, ErrMessageInfoNotFound)
	}
	return info, nil
}

// ListMessageInfo returns all documentation.
func (c *Communication) ListMessageInfo(ctx context.Context) ([]model.MessageInfo, error) {
	if c.info == nil {
		return nil, ErrNoMessageInfoStore
	}
	return c.info.ListMessageInfo(ctx)
}

// announce stores documentation published on the message-info channel. The content
// is a JSON encoded model.MessageInfo.
func (c *Communication) announce(ctx context.Context, msg model.Message) {
	info, err := decodeMessageInfo(msg.Content())
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - ignoring announcement %s from %s: %v", messageInfoLogPrefix, msg.ID(), msg.SenderID(), err))
		return
	}
	if err := c.AddMessageInfo(ctx, info); err != nil {
		slog.Warn(fmt.Sprintf("%s - announcement %s: %v", messageInfoLogPrefix, msg.ID(), err))
	}
}
