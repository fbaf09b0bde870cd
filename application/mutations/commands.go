package mutations

import (
	"strings"

	"realtime-sync/domain/entity"
	apperrors "realtime-sync/pkg/errors"
)

const maxStatusLength = 64

// CreateWorkItemCommand creates a work item in a room.
type CreateWorkItemCommand struct {
	ActorID string
	RoomID  string
	Status  string
	Payload map[string]any
}

func (c CreateWorkItemCommand) Validate() error {
	if err := requireIDs(c.ActorID, c.RoomID); err != nil {
		return err
	}
	return validateStatus(c.Status)
}

// UpdateWorkItemCommand replaces fields of a work item observed at Version.
type UpdateWorkItemCommand struct {
	ActorID string
	RoomID  string
	ItemID  string
	Version int64
	Status  *string // Pointer allows partial updates
	Payload map[string]any
}

func (c UpdateWorkItemCommand) Validate() error {
	if err := requireIDs(c.ActorID, c.RoomID); err != nil {
		return err
	}
	if c.ItemID == "" {
		return apperrors.NewValidationError("item id is required")
	}
	if c.Status == nil && len(c.Payload) == 0 {
		return apperrors.NewValidationError("no fields to update")
	}
	if c.Status != nil {
		if err := validateStatus(*c.Status); err != nil {
			return err
		}
	}
	return nil
}

// ChangeStatusCommand moves a work item to Status.
type ChangeStatusCommand struct {
	ActorID string
	RoomID  string
	ItemID  string
	Version int64
	Status  string
}

func (c ChangeStatusCommand) Validate() error {
	if err := requireIDs(c.ActorID, c.RoomID); err != nil {
		return err
	}
	if c.ItemID == "" {
		return apperrors.NewValidationError("item id is required")
	}
	if strings.TrimSpace(c.Status) == "" {
		return apperrors.NewValidationError("status is required")
	}
	return validateStatus(c.Status)
}

// DeleteWorkItemCommand removes a work item and its comments. Version must be
// the item's current version.
type DeleteWorkItemCommand struct {
	ActorID string
	RoomID  string
	ItemID  string
	Version int64
}

func (c DeleteWorkItemCommand) Validate() error {
	if err := requireIDs(c.ActorID, c.RoomID); err != nil {
		return err
	}
	if c.ItemID == "" {
		return apperrors.NewValidationError("item id is required")
	}
	return requireVersion(c.Version)
}

// CreateCommentCommand attaches a comment to ItemID.
type CreateCommentCommand struct {
	ActorID string
	RoomID  string
	ItemID  string
	Payload map[string]any
}

func (c CreateCommentCommand) Validate() error {
	if err := requireIDs(c.ActorID, c.RoomID); err != nil {
		return err
	}
	if c.ItemID == "" {
		return apperrors.NewValidationError("item id is required")
	}
	if len(c.Payload) == 0 {
		return apperrors.NewValidationError("comment payload is required")
	}
	return nil
}

type UpdateCommentCommand struct {
	ActorID   string
	RoomID    string
	ItemID    string
	CommentID string
	Version   int64
	Payload   map[string]any
}

func (c UpdateCommentCommand) Validate() error {
	if err := requireIDs(c.ActorID, c.RoomID); err != nil {
		return err
	}
	if c.ItemID == "" || c.CommentID == "" {
		return apperrors.NewValidationError("item id and comment id are required")
	}
	if len(c.Payload) == 0 {
		return apperrors.NewValidationError("no fields to update")
	}
	return nil
}

type DeleteCommentCommand struct {
	ActorID   string
	RoomID    string
	ItemID    string
	CommentID string
	Version   int64
}

func (c DeleteCommentCommand) Validate() error {
	if err := requireIDs(c.ActorID, c.RoomID); err != nil {
		return err
	}
	if c.ItemID == "" || c.CommentID == "" {
		return apperrors.NewValidationError("item id and comment id are required")
	}
	return requireVersion(c.Version)
}

func requireVersion(v int64) error {
	if v < entity.InitialVersion {
		return apperrors.NewValidationError("version must be at least 1")
	}
	return nil
}

func requireIDs(actorID, roomID string) error {
	if actorID == "" {
		return apperrors.NewUnauthenticatedError("acting user is required")
	}
	if roomID == "" {
		return apperrors.NewValidationError("room id is required")
	}
	return nil
}

func validateStatus(status string) error {
	if len(status) > maxStatusLength {
		return apperrors.NewValidationError("status is too long")
	}
	return nil
}
