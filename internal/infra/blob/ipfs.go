package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"imgate/internal/domain"

	"github.com/ipfs/go-cid"
)

const defaultMaxBlobBytes = 64 << 20

// IPFS fetches blobs from an HTTP gateway and pins uploads through a
// Pinata-compatible pinning API.
type IPFS struct {
	gatewayURL string
	pinURL     string
	token      string
	maxBytes   int64
	httpClient *http.Client
}

func NewIPFS(gatewayURL, pinURL, token string) *IPFS {
	return &IPFS{
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		pinURL:     strings.TrimRight(pinURL, "/"),
		token:      token,
		maxBytes:   defaultMaxBlobBytes,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// GatewayURL returns the public URL of a locator.
func (c *IPFS) GatewayURL(locator string) string {
	return c.gatewayURL + "/ipfs/" + locator
}

func (c *IPFS) Fetch(ctx context.Context, locator string) ([]byte, error) {
	id, err := ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.GatewayURL(locator), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, unavailable("ipfs gateway", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, locator)
	case resp.StatusCode != http.StatusOK:
		return nil, unavailable("ipfs gateway", fmt.Errorf("status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, unavailable("ipfs gateway read", err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, unavailable("ipfs gateway", fmt.Errorf("blob exceeds %d bytes", c.maxBytes))
	}
	// dag-pb CIDs hash the UnixFS graph, not the body, so only raw blocks
	// can be checked here
	if id.Type() == cid.Raw {
		if err := Verify(locator, body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (c *IPFS) Put(ctx context.Context, name string, data []byte) (string, error) {
	if c.pinURL == "" || c.token == "" {
		return "", errors.New("ipfs pinning requires IPFS_PIN_URL and IPFS_TOKEN")
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	// pin as CIDv1 so the gateway locator matches Locator(data)
	if err := mw.WriteField("pinataOptions", `{"cidVersion":1}`); err != nil {
		return "", err
	}
	meta, _ := json.Marshal(map[string]string{"name": name})
	if err := mw.WriteField("pinataMetadata", string(meta)); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pinURL+"/pinning/pinFileToIPFS", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", unavailable("ipfs pin", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", unavailable("ipfs pin read", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", unavailable("ipfs pin", fmt.Errorf("status %d", resp.StatusCode))
	}
	var out struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode pin response: %w", err)
	}
	if _, err := ParseLocator(out.IpfsHash); err != nil {
		return "", err
	}
	return out.IpfsHash, nil
}
