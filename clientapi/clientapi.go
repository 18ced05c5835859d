// Package clientapi speaks the depot server's REST API. It is used by the
// command line tools and lets one depot treat another as a content source.
package clientapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/antonholmquist/jason"

	"github.com/warchest/warchest/acquire"
	"github.com/warchest/warchest/manifest"
)

// Exported errors
var (
	ErrNotFound       = errors.New("not found on depot server")
	ErrNotAuthorized  = errors.New("access denied")
	ErrUnexpectedResp = errors.New("unexpected response code")
)

// A Connection talks to one depot server.
type Connection struct {
	// HostURL is the server base, e.g. "http://depot.example.com:14200".
	HostURL string

	// Token is sent as the API key, if set.
	Token string

	client *http.Client
}

// do performs an http request using our client with a timeout. The
// timeout is arbitrary, and is just there so we don't hang indefinitely
// should the server never close the connection.
func (c *Connection) do(req *http.Request) (*http.Response, error) {
	if c.Token != "" {
		req.Header.Add("X-Api-Key", c.Token)
	}
	if c.client == nil {
		c.client = &http.Client{
			Timeout: 10 * time.Minute, // arbitrary
		}
	}
	return c.client.Do(req)
}

func (c *Connection) doJasonGet(path string) (*jason.Object, error) {
	resp, err := c.get(path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return jason.NewObjectFromReader(resp.Body)
}

func (c *Connection) get(path string) (*http.Response, error) {
	req, err := http.NewRequest("GET", c.HostURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case 200:
		return resp, nil
	case 404:
		resp.Body.Close()
		return nil, ErrNotFound
	case 401:
		resp.Body.Close()
		return nil, ErrNotAuthorized
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("received status %d from depot server", resp.StatusCode)
	}
}

// ManifestInfo returns the raw manifest record with the given id.
func (c *Connection) ManifestInfo(id string) (*jason.Object, error) {
	return c.doJasonGet("/manifests/" + id)
}

// Manifests returns every manifest registered on the server, decoded into
// the manifest model.
func (c *Connection) Manifests() ([]*manifest.Manifest, error) {
	resp, err := c.get("/manifests")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var result []*manifest.Manifest
	err = json.NewDecoder(resp.Body).Decode(&result)
	return result, err
}

// Stats returns the server's depot statistics.
func (c *Connection) Stats() (*jason.Object, error) {
	return c.doJasonGet("/stats")
}

// DownloadObject copies the stored object with the given hash to w.
func (c *Connection) DownloadObject(w io.Writer, hash string) error {
	resp, err := c.get("/objects/" + hash)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

// Name makes a Connection usable as a content source for acquisition.
func (c *Connection) Name() string {
	return "depot " + c.HostURL
}

// Search queries the remote server's search endpoint. With this, content
// registered on one depot can be discovered and acquired by another.
func (c *Connection) Search(ctx context.Context, query string) ([]acquire.SearchResult, error) {
	req, err := http.NewRequestWithContext(ctx, "GET",
		c.HostURL+"/search?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("received status %d from depot server", resp.StatusCode)
	}
	var results []acquire.SearchResult
	err = json.NewDecoder(resp.Body).Decode(&results)
	return results, err
}

// StartAcquisition asks the server to acquire the given result. It
// returns the job id to poll with AcquisitionStatus.
func (c *Connection) StartAcquisition(r acquire.SearchResult) (string, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest("POST", c.HostURL+"/acquisitions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 202 {
		return "", fmt.Errorf("received status %d from depot server", resp.StatusCode)
	}
	v, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return "", err
	}
	return v.GetString("id")
}

// AcquisitionStatus polls one acquisition job. It returns the phase, the
// overall percentage, and the error message if the job failed.
func (c *Connection) AcquisitionStatus(jobid string) (phase string, pct int64, errmsg string, err error) {
	v, err := c.doJasonGet("/acquisitions/" + jobid)
	if err != nil {
		return "", 0, "", err
	}
	phase, _ = v.GetString("phase")
	pct, _ = v.GetInt64("percent")
	errmsg, _ = v.GetString("error")
	return phase, pct, errmsg, nil
}
