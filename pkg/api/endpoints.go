package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// maxInstallerSize caps an installer download.
var maxInstallerSize int64 = 512 << 20

// ErrInstallerTooLarge means the server sent more than maxInstallerSize bytes.
var ErrInstallerTooLarge = errors.New("api: installer exceeds size limit")

// GetRoom looks up the room with the given display name. It returns
// ErrNotFound when the server does not know the room.
func (c *Client) GetRoom(ctx context.Context, name string) (*Room, error) {
	var room Room
	if err := c.getJSON(ctx, "rooms/"+url.PathEscape(name), &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// GetComputer returns the server's record for the named computer.
func (c *Client) GetComputer(ctx context.Context, name string) (*Computer, error) {
	var computer Computer
	if err := c.getJSON(ctx, "computers/"+url.PathEscape(name), &computer); err != nil {
		return nil, err
	}
	return &computer, nil
}

// GetLessons returns today's lessons for a room, in server order.
func (c *Client) GetLessons(ctx context.Context, roomID int) ([]Lesson, error) {
	var lessons []Lesson
	if err := c.getJSON(ctx, "rooms/"+strconv.Itoa(roomID)+"/lessons", &lessons); err != nil {
		return nil, err
	}
	return lessons, nil
}

func (c *Client) GetSettings(ctx context.Context) (*Settings, error) {
	var settings Settings
	if err := c.getJSON(ctx, "settings/dashboard", &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// UpsertComputer creates or updates the device record and returns the
// record the server stored.
func (c *Client) UpsertComputer(ctx context.Context, computer *Computer) (*Computer, error) {
	body, err := json.Marshal(computer)
	if err != nil {
		return nil, fmt.Errorf("api: marshal computer: %w", err)
	}
	resp, err := c.CallEndpoint(ctx, http.MethodPost, "computers", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var stored Computer
	if err := decodeResponse(resp, "computers", &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetClientVersion returns the agent version the server distributes.
func (c *Client) GetClientVersion(ctx context.Context) (string, error) {
	var v ClientVersion
	if err := c.getJSON(ctx, "client/version", &v); err != nil {
		return "", err
	}
	return strings.TrimSpace(v.ClientVersion), nil
}

// DownloadClientInstaller streams the installer into w and returns the
// number of bytes written. The transfer is bounded by the download
// timeout rather than the per-request timeout. An installer larger than
// the size cap fails with ErrInstallerTooLarge.
func (c *Client) DownloadClientInstaller(ctx context.Context, w io.Writer) (int64, error) {
	const endpoint = "client/download"
	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()

	resp, err := c.callEndpoint(ctx, c.streamClient, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, endpoint); err != nil {
		return 0, err
	}
	n, err := io.Copy(w, io.LimitReader(resp.Body, maxInstallerSize+1))
	if err != nil {
		return n, fmt.Errorf("api: %s: read body: %w", endpoint, err)
	}
	if n > maxInstallerSize {
		return n, ErrInstallerTooLarge
	}
	return n, nil
}

// SubmitLogs uploads a batch of log records.
func (c *Client) SubmitLogs(ctx context.Context, records []LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	const endpoint = "logs/batch"
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("api: marshal logs: %w", err)
	}
	resp, err := c.CallEndpoint(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, endpoint)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	resp, err := c.CallEndpoint(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, endpoint, out)
}

func decodeResponse(resp *http.Response, endpoint string, out any) error {
	if err := checkStatus(resp, endpoint); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: %s: decode response: %w", endpoint, err)
	}
	return nil
}

func checkStatus(resp *http.Response, endpoint string) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api: %s: %w", endpoint, ErrNotFound)
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}
