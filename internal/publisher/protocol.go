package publisher

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"post_scheduler/internal/model"
	"post_scheduler/internal/platform"
)

var (
	// ErrContainerTimeout is returned when a container does not finish processing in time.
	ErrContainerTimeout = errors.New("container processing timed out")
	// ErrContainerFailed is returned when the platform reports a container error.
	ErrContainerFailed = errors.New("container processing failed")
)

// Container processing timeouts.
const (
	textTimeout     = 30 * time.Second
	imageTimeout    = 30 * time.Second
	videoTimeout    = 120 * time.Second
	carouselTimeout = 30 * time.Second

	minCarouselItems = 2
	maxCarouselItems = 20
)

var videoExtensions = map[string]bool{".mp4": true, ".mov": true, ".m4v": true, ".webm": true}

func (d *Dispatcher) publish(ctx context.Context, acc model.Account, c model.PostContent) (string, error) {
	switch c.Type {
	case model.ContentText:
		if strings.TrimSpace(c.Text) == "" {
			return "", errors.New("text post has no text")
		}
		return d.publishSingle(ctx, acc, platform.ContainerRequest{Kind: platform.KindText, Text: c.Text})
	case model.ContentImage, model.ContentVideo:
		if len(c.MediaURLs) == 0 {
			return "", fmt.Errorf("%s post has no media url", c.Type)
		}
		kind := platform.KindImage
		if c.Type == model.ContentVideo {
			kind = platform.KindVideo
		}
		return d.publishSingle(ctx, acc, platform.ContainerRequest{Kind: kind, Text: c.Text, MediaURL: c.MediaURLs[0]})
	case model.ContentCarousel:
		return d.publishCarousel(ctx, acc, c)
	case model.ContentThread:
		return d.publishThread(ctx, acc, c.Thread)
	}
	return "", fmt.Errorf("unsupported content type %q", c.Type)
}

// publishSingle runs create, wait, publish for one container.
func (d *Dispatcher) publishSingle(ctx context.Context, acc model.Account, req platform.ContainerRequest) (string, error) {
	containerID, err := d.createAndWait(ctx, acc, req)
	if err != nil {
		return "", err
	}
	postedID, err := d.client.Publish(ctx, acc, containerID)
	if err != nil {
		return "", fmt.Errorf("publish container %s: %w", containerID, err)
	}
	return postedID, nil
}

func (d *Dispatcher) publishCarousel(ctx context.Context, acc model.Account, c model.PostContent) (string, error) {
	if n := len(c.MediaURLs); n < minCarouselItems || n > maxCarouselItems {
		return "", fmt.Errorf("carousel needs %d to %d media items, got %d", minCarouselItems, maxCarouselItems, n)
	}

	children := make([]string, 0, len(c.MediaURLs))
	for i, u := range c.MediaURLs {
		childID, err := d.createAndWait(ctx, acc, platform.ContainerRequest{
			Kind:           mediaKind(u),
			MediaURL:       u,
			IsCarouselItem: true,
		})
		if err != nil {
			return "", fmt.Errorf("carousel item %d: %w", i+1, err)
		}
		children = append(children, childID)
	}

	return d.publishSingle(ctx, acc, platform.ContainerRequest{
		Kind:     platform.KindCarousel,
		Text:     c.Text,
		Children: children,
	})
}

// publishThread publishes each part as a reply to the previous one and
// returns the id of the first part. It stops at the first failure.
func (d *Dispatcher) publishThread(ctx context.Context, acc model.Account, parts []model.ThreadPart) (string, error) {
	if len(parts) == 0 {
		return "", errors.New("thread has no parts")
	}

	var rootID, prevID string
	for i, part := range parts {
		req := platform.ContainerRequest{Kind: platform.KindText, Text: part.Text, ReplyToID: prevID}
		if part.MediaURL != "" {
			req.Kind = mediaKind(part.MediaURL)
			req.MediaURL = part.MediaURL
		}

		id, err := d.publishSingle(ctx, acc, req)
		if err != nil {
			if rootID != "" {
				return "", fmt.Errorf("thread part %d/%d (thread root %s): %w", i+1, len(parts), rootID, err)
			}
			return "", fmt.Errorf("thread part %d/%d: %w", i+1, len(parts), err)
		}
		if rootID == "" {
			rootID = id
		}
		prevID = id
	}
	return rootID, nil
}

// createAndWait creates a container and polls it until it finishes, fails,
// or its kind's timeout elapses. Time spent inside PollStatus counts
// against the timeout.
func (d *Dispatcher) createAndWait(ctx context.Context, acc model.Account, req platform.ContainerRequest) (string, error) {
	containerID, err := d.client.CreateContainer(ctx, acc, req)
	if err != nil {
		return "", err
	}

	timeout := containerTimeout(req)
	deadline := d.now().Add(timeout)
	for {
		status, err := d.client.PollStatus(ctx, acc, containerID)
		if err != nil {
			return "", fmt.Errorf("container %s: %w", containerID, err)
		}
		switch status.State {
		case platform.StateFinished:
			return containerID, nil
		case platform.StateError:
			return "", fmt.Errorf("container %s: %w: %s", containerID, ErrContainerFailed, status.Message)
		}

		if !d.now().Before(deadline) {
			return "", fmt.Errorf("container %s after %s: %w", containerID, timeout, ErrContainerTimeout)
		}
		if err := d.sleep(ctx, d.pollInterval); err != nil {
			return "", fmt.Errorf("wait for container %s: %w", containerID, err)
		}
	}
}

func containerTimeout(req platform.ContainerRequest) time.Duration {
	switch {
	case req.IsCarouselItem, req.Kind == platform.KindCarousel:
		return carouselTimeout
	case req.Kind == platform.KindVideo:
		return videoTimeout
	case req.Kind == platform.KindImage:
		return imageTimeout
	default:
		return textTimeout
	}
}

func mediaKind(mediaURL string) platform.MediaKind {
	p := mediaURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if videoExtensions[strings.ToLower(path.Ext(p))] {
		return platform.KindVideo
	}
	return platform.KindImage
}
