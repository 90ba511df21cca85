// Package dms is the HTTP client for the external document-management
// system. It owns token acquisition and the auth header scheme used on
// every request.
package dms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrUnavailable = errors.New("external system unavailable")

// APIError is a non-retriable response from the external API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("external api error: status=%d message=%s", e.StatusCode, e.Message)
}

// AuthScheme selects how the session token is attached to requests.
// The scheme is a documented contract with the external system and is
// configured, not discovered; probing the full list is a recovery path
// only, taken when the configured scheme starts returning 401.
type AuthScheme string

const (
	SchemePlainToken    AuthScheme = "plain-token"
	SchemePlainSession  AuthScheme = "plain-session"
	SchemeBearerToken   AuthScheme = "bearer-token"
	SchemeBearerSession AuthScheme = "bearer-session"
	SchemeHeaderToken   AuthScheme = "x-auth-token"
	SchemeHeaderSession AuthScheme = "x-session-id"
	SchemeCookieToken   AuthScheme = "cookie-token"
	SchemeCookieSession AuthScheme = "cookie-session"
)

var allSchemes = []AuthScheme{
	SchemePlainToken, SchemePlainSession,
	SchemeBearerToken, SchemeBearerSession,
	SchemeHeaderToken, SchemeHeaderSession,
	SchemeCookieToken, SchemeCookieSession,
}

// Session is the short-lived credential returned by the login endpoint.
type Session struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// ItemFields is the typed view of an item's fieldValueMap.
type ItemFields struct {
	Login     string      `json:"login,omitempty"`
	Name      string      `json:"name,omitempty"`
	Title     string      `json:"title,omitempty"`
	Email     string      `json:"email,omitempty"`
	FullName  string      `json:"full_name,omitempty"`
	FileSize  int64       `json:"file_size,omitempty"`
	FileType  string      `json:"file_type,omitempty"`
	Version   string      `json:"version,omitempty"`
	Status    string      `json:"status,omitempty"`
	Modified  *time.Time  `json:"modified,omitempty"`
	Editors   []uuid.UUID `json:"editors,omitempty"`
	Approvers []uuid.UUID `json:"approvers,omitempty"`
}

// Item is one entry of an external list: a user, a file or a folder.
type Item struct {
	ID       uuid.UUID  `json:"id"`
	AuthorID *uuid.UUID `json:"authorId,omitempty"`
	ParentID *uuid.UUID `json:"parentId,omitempty"`
	ListID   *uuid.UUID `json:"listId,omitempty"`
	Path     string     `json:"itemPath,omitempty"`
	Created  *time.Time `json:"created,omitempty"`
	Modified *time.Time `json:"modified,omitempty"`
	Fields   ItemFields `json:"fieldValueMap"`
}

// IsFile reports whether the item looks like a file rather than a
// folder or list entry.
func (it Item) IsFile() bool {
	return it.Fields.FileSize > 0 || strings.Contains(it.Fields.Name, ".")
}

// DisplayName picks the best available human-readable name.
func (it Item) DisplayName() string {
	for _, candidate := range []string{it.Fields.Name, it.Fields.Title, it.Fields.FullName} {
		if candidate != "" {
			return candidate
		}
	}
	return it.ID.String()
}

// FileVersion is one revision of an external file.
type FileVersion struct {
	ID       uuid.UUID  `json:"id"`
	Version  string     `json:"version"`
	Created  *time.Time `json:"created,omitempty"`
	AuthorID *uuid.UUID `json:"authorId,omitempty"`
}

type ClientOptions struct {
	BaseURL     string
	Login       string
	Password    string
	UsersListID uuid.UUID
	FileListIDs []uuid.UUID
	AuthScheme  AuthScheme
	HTTPClient  *http.Client
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *slog.Logger
}

type Client struct {
	baseURL     string
	login       string
	password    string
	usersListID uuid.UUID
	fileListIDs []uuid.UUID
	httpClient  *http.Client
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger

	schemeMu     sync.Mutex
	configured   AuthScheme
	activeScheme AuthScheme
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("dms base url is required")
	}
	if strings.TrimSpace(opts.Login) == "" {
		return nil, errors.New("dms login is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	scheme := opts.AuthScheme
	if scheme == "" {
		scheme = SchemePlainToken
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      baseURL,
		login:        opts.Login,
		password:     opts.Password,
		usersListID:  opts.UsersListID,
		fileListIDs:  append([]uuid.UUID(nil), opts.FileListIDs...),
		httpClient:   httpClient,
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		logger:       logger,
		configured:   scheme,
		activeScheme: scheme,
	}, nil
}

// SetAuthScheme replaces the configured scheme, typically after a
// config reload. The active scheme resets alongside it.
func (c *Client) SetAuthScheme(scheme AuthScheme) {
	if scheme == "" {
		return
	}
	c.schemeMu.Lock()
	c.configured = scheme
	c.activeScheme = scheme
	c.schemeMu.Unlock()
}

// SetCredentials replaces the login credentials after a config reload.
func (c *Client) SetCredentials(login, password string) {
	c.schemeMu.Lock()
	if strings.TrimSpace(login) != "" {
		c.login = login
	}
	c.password = password
	c.schemeMu.Unlock()
}

// FileListIDs returns the configured file list roots.
func (c *Client) FileListIDs() []uuid.UUID {
	return append([]uuid.UUID(nil), c.fileListIDs...)
}

// Authenticate exchanges the configured credentials for a session.
func (c *Client) Authenticate(ctx context.Context) (Session, error) {
	c.schemeMu.Lock()
	login, password := c.login, c.password
	c.schemeMu.Unlock()
	body, err := json.Marshal(map[string]string{"login": login, "password": password})
	if err != nil {
		return Session{}, err
	}
	payload, err := c.doRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/security/login", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return Session{}, err
	}
	if sess.Token == "" && sess.ID == "" {
		return Session{}, fmt.Errorf("%w: login returned no session", ErrUnavailable)
	}
	return sess, nil
}

// ListUsers fetches the complete external user directory.
func (c *Client) ListUsers(ctx context.Context) ([]Item, error) {
	return c.listItems(ctx, "/api/item/getList/"+c.usersListID.String())
}

// ListFiles fetches the items of one list, optionally recursing into
// folders.
func (c *Client) ListFiles(ctx context.Context, listID uuid.UUID, recursive bool) ([]Item, error) {
	endpoint := "/api/item/getList/"
	if recursive {
		endpoint = "/api/item/getRecursive/"
	}
	return c.listItems(ctx, endpoint+listID.String())
}

// GetItem fetches current metadata for one item.
func (c *Client) GetItem(ctx context.Context, id uuid.UUID) (Item, error) {
	payload, err := c.doAuthenticated(ctx, http.MethodPost, "/api/item/get/"+id.String())
	if err != nil {
		return Item{}, err
	}
	var item Item
	if err := json.Unmarshal(payload, &item); err != nil {
		return Item{}, err
	}
	return item, nil
}

// GetFileVersions fetches the revision history of one file.
func (c *Client) GetFileVersions(ctx context.Context, id uuid.UUID) ([]FileVersion, error) {
	payload, err := c.doAuthenticated(ctx, http.MethodGet, "/api/fileversion/get/"+id.String())
	if err != nil {
		return nil, err
	}
	var versions []FileVersion
	if err := json.Unmarshal(payload, &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

// HealthCheck verifies the external system is reachable and accepting
// our credentials.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Authenticate(ctx)
	return err
}

func (c *Client) listItems(ctx context.Context, path string) ([]Item, error) {
	payload, err := c.doAuthenticated(ctx, http.MethodPost, path)
	if err != nil {
		return nil, err
	}
	var items []Item
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) doAuthenticated(ctx context.Context, method, path string) ([]byte, error) {
	sess, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	c.schemeMu.Lock()
	scheme := c.activeScheme
	configured := c.configured
	c.schemeMu.Unlock()

	payload, err := c.request(ctx, method, path, scheme, sess)
	if err == nil {
		return payload, nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		return nil, err
	}

	// The configured scheme was rejected. Probe the remaining schemes
	// once and remember whichever works; this is a recovery path and is
	// always logged.
	c.logger.Warn("dms_auth_scheme_rejected", "configured", string(configured), "path", path)
	for _, candidate := range allSchemes {
		if candidate == scheme {
			continue
		}
		payload, err = c.request(ctx, method, path, candidate, sess)
		if err == nil {
			c.logger.Warn("dms_auth_scheme_recovered", "scheme", string(candidate))
			c.schemeMu.Lock()
			c.activeScheme = candidate
			c.schemeMu.Unlock()
			return payload, nil
		}
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			continue
		}
		return nil, err
	}
	return nil, err
}

func (c *Client) request(ctx context.Context, method, path string, scheme AuthScheme, sess Session) ([]byte, error) {
	return c.doRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		applyScheme(req, scheme, sess)
		return req, nil
	})
}

func applyScheme(req *http.Request, scheme AuthScheme, sess Session) {
	switch scheme {
	case SchemePlainToken:
		req.Header.Set("Authorization", sess.Token)
	case SchemePlainSession:
		req.Header.Set("Authorization", sess.ID)
	case SchemeBearerToken:
		req.Header.Set("Authorization", "Bearer "+sess.Token)
	case SchemeBearerSession:
		req.Header.Set("Authorization", "Bearer "+sess.ID)
	case SchemeHeaderToken:
		req.Header.Set("X-Auth-Token", sess.Token)
	case SchemeHeaderSession:
		req.Header.Set("X-Session-ID", sess.ID)
	case SchemeCookieToken:
		req.Header.Set("Cookie", "auth-token="+sess.Token)
	case SchemeCookieSession:
		req.Header.Set("Cookie", "session-id="+sess.ID)
	default:
		req.Header.Set("Authorization", sess.Token)
	}
}

func (c *Client) doRetry(ctx context.Context, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status=%d", ErrUnavailable, resp.StatusCode)
		}
		message := strings.TrimSpace(string(payload))
		var parsed struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(payload, &parsed) == nil && parsed.Message != "" {
			message = parsed.Message
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: message}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
