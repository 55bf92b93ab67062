package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/ratelimit"

	"post_scheduler/internal/model"
)

// DefaultBaseURL is the Graph API root used when none is configured.
const DefaultBaseURL = "https://graph.threads.net/v1.0"

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// GraphClient implements Client against a Threads-style Graph API.
type GraphClient struct {
	client  HTTPClient
	baseURL string
	limiter ratelimit.Limiter
	timeout time.Duration
}

// NewGraphClient creates a GraphClient. Every request waits on limiter first.
func NewGraphClient(client HTTPClient, baseURL string, limiter ratelimit.Limiter) *GraphClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &GraphClient{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		limiter: limiter,
		timeout: 30 * time.Second,
	}
}

// SetTimeout overrides the default 30-second per-request timeout.
func (c *GraphClient) SetTimeout(d time.Duration) {
	c.timeout = d
}

type idResponse struct {
	ID string `json:"id"`
}

// CreateContainer creates a media container and returns its id.
func (c *GraphClient) CreateContainer(ctx context.Context, acc model.Account, req ContainerRequest) (string, error) {
	form := url.Values{}
	form.Set("media_type", string(req.Kind))
	if req.Text != "" {
		form.Set("text", req.Text)
	}
	switch req.Kind {
	case KindImage:
		form.Set("image_url", req.MediaURL)
	case KindVideo:
		form.Set("video_url", req.MediaURL)
	case KindCarousel:
		form.Set("children", strings.Join(req.Children, ","))
	}
	if req.IsCarouselItem {
		form.Set("is_carousel_item", "true")
	}
	if req.ReplyToID != "" {
		form.Set("reply_to_id", req.ReplyToID)
	}

	var out idResponse
	if err := c.do(ctx, acc, http.MethodPost, "/"+acc.PlatformUserID+"/threads", form, &out); err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return out.ID, nil
}

// PollStatus returns the processing state of a container.
func (c *GraphClient) PollStatus(ctx context.Context, acc model.Account, containerID string) (ContainerStatus, error) {
	q := url.Values{"fields": {"status,error_message"}}
	var out struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
	}
	if err := c.do(ctx, acc, http.MethodGet, "/"+containerID, q, &out); err != nil {
		return ContainerStatus{}, fmt.Errorf("poll container: %w", err)
	}

	switch out.Status {
	case "FINISHED", "PUBLISHED":
		return ContainerStatus{State: StateFinished}, nil
	case "ERROR", "EXPIRED":
		msg := out.ErrorMessage
		if msg == "" {
			msg = strings.ToLower(out.Status)
		}
		return ContainerStatus{State: StateError, Message: msg}, nil
	default:
		return ContainerStatus{State: StatePending}, nil
	}
}

// Publish publishes a finished container and returns the external post id.
func (c *GraphClient) Publish(ctx context.Context, acc model.Account, containerID string) (string, error) {
	form := url.Values{"creation_id": {containerID}}
	var out idResponse
	if err := c.do(ctx, acc, http.MethodPost, "/"+acc.PlatformUserID+"/threads_publish", form, &out); err != nil {
		return "", fmt.Errorf("publish container: %w", err)
	}
	return out.ID, nil
}

// ListRecentPosts returns the account's most recent posts, newest first.
func (c *GraphClient) ListRecentPosts(ctx context.Context, acc model.Account, limit int) ([]Post, error) {
	q := url.Values{
		"fields": {"id,text,timestamp"},
		"limit":  {strconv.Itoa(limit)},
	}
	var out struct {
		Data []struct {
			ID        string `json:"id"`
			Text      string `json:"text"`
			Timestamp string `json:"timestamp"`
		} `json:"data"`
	}
	if err := c.do(ctx, acc, http.MethodGet, "/"+acc.PlatformUserID+"/threads", q, &out); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}

	posts := make([]Post, 0, len(out.Data))
	for _, d := range out.Data {
		posts = append(posts, Post{ID: d.ID, Text: d.Text, Timestamp: d.Timestamp})
	}
	return posts, nil
}

// ListReplies returns the replies of a post in platform order.
func (c *GraphClient) ListReplies(ctx context.Context, acc model.Account, postID string) ([]Reply, error) {
	q := url.Values{"fields": {"id,text,username,timestamp"}}
	var out struct {
		Data []struct {
			ID       string `json:"id"`
			Text     string `json:"text"`
			Username string `json:"username"`
		} `json:"data"`
	}
	if err := c.do(ctx, acc, http.MethodGet, "/"+postID+"/replies", q, &out); err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}

	replies := make([]Reply, 0, len(out.Data))
	for _, d := range out.Data {
		replies = append(replies, Reply{ID: d.ID, Username: d.Username, Text: d.Text})
	}
	return replies, nil
}

// PublishReply publishes a text reply to parentID and returns its id.
func (c *GraphClient) PublishReply(ctx context.Context, acc model.Account, parentID, text string) (string, error) {
	containerID, err := c.CreateContainer(ctx, acc, ContainerRequest{Kind: KindText, Text: text, ReplyToID: parentID})
	if err != nil {
		return "", err
	}
	return c.Publish(ctx, acc, containerID)
}

// PublishingQuota returns how much of the rolling publishing quota is used.
func (c *GraphClient) PublishingQuota(ctx context.Context, acc model.Account) (Quota, error) {
	q := url.Values{"fields": {"quota_usage,config"}}
	var out struct {
		Data []struct {
			QuotaUsage int `json:"quota_usage"`
			Config     struct {
				QuotaTotal int `json:"quota_total"`
			} `json:"config"`
		} `json:"data"`
	}
	if err := c.do(ctx, acc, http.MethodGet, "/"+acc.PlatformUserID+"/threads_publishing_limit", q, &out); err != nil {
		return Quota{}, fmt.Errorf("publishing quota: %w", err)
	}
	if len(out.Data) == 0 {
		return Quota{}, nil
	}
	return Quota{Usage: out.Data[0].QuotaUsage, Total: out.Data[0].Config.QuotaTotal}, nil
}

func (c *GraphClient) do(ctx context.Context, acc model.Account, method, path string, params url.Values, out any) error {
	c.limiter.Take()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params.Set("access_token", acc.AccessToken)
	endpoint := c.baseURL + path

	var body io.Reader
	if method == http.MethodGet {
		endpoint += "?" + params.Encode()
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "PostScheduler/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http %s: %w", strings.ToLower(method), err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) error {
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(data, &env); err == nil && env.Error.Message != "" {
		apiErr.Message = env.Error.Message
		apiErr.Type = env.Error.Type
		apiErr.Code = env.Error.Code
	} else {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
