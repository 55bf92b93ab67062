// Package platform talks to the external social platform.
package platform

import (
	"context"
	"fmt"

	"post_scheduler/internal/model"
)

// MediaKind is the kind of a media container.
type MediaKind string

// Container kinds accepted by the platform.
const (
	KindText     MediaKind = "TEXT"
	KindImage    MediaKind = "IMAGE"
	KindVideo    MediaKind = "VIDEO"
	KindCarousel MediaKind = "CAROUSEL"
)

// ContainerRequest describes a media container to create.
type ContainerRequest struct {
	Kind           MediaKind
	Text           string
	MediaURL       string
	Children       []string
	ReplyToID      string
	IsCarouselItem bool
}

// ContainerState is the processing state of a container.
type ContainerState string

// Container processing states.
const (
	StatePending  ContainerState = "pending"
	StateFinished ContainerState = "finished"
	StateError    ContainerState = "error"
)

// ContainerStatus is the result of polling a container.
type ContainerStatus struct {
	State   ContainerState
	Message string
}

// Post is a published post returned by the platform.
type Post struct {
	ID        string
	Text      string
	Timestamp string
}

// Reply is a reply to a published post.
type Reply struct {
	ID       string
	Username string
	Text     string
}

// Quota is the account's rolling publishing quota.
type Quota struct {
	Usage int
	Total int
}

// Client is the set of platform operations the job relies on.
// Every call acts on behalf of the given account.
type Client interface {
	CreateContainer(ctx context.Context, acc model.Account, req ContainerRequest) (string, error)
	PollStatus(ctx context.Context, acc model.Account, containerID string) (ContainerStatus, error)
	Publish(ctx context.Context, acc model.Account, containerID string) (string, error)
	ListRecentPosts(ctx context.Context, acc model.Account, limit int) ([]Post, error)
	ListReplies(ctx context.Context, acc model.Account, postID string) ([]Reply, error)
	PublishReply(ctx context.Context, acc model.Account, parentID, text string) (string, error)
	PublishingQuota(ctx context.Context, acc model.Account) (Quota, error)
}

// APIError is an error envelope returned by the platform.
type APIError struct {
	StatusCode int
	Message    string
	Type       string
	Code       int
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("platform error %d (%s, code %d): %s", e.StatusCode, e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("platform error %d: %s", e.StatusCode, e.Message)
}
