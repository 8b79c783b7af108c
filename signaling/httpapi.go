package signaling

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/driftloop/kvsrtc/credential"
)

// HTTPAPIClient is the net/http-backed APIClient. TLS transport and request
// signing are named in spec.md §1 as external collaborators ("TLS transport
// to signaling endpoints"); this implementation covers only the request
// shapes and status-code plumbing the FSM depends on, with a minimal
// HMAC-over-canonical-string signature rather than full SigV4 (no AWS SDK
// appears anywhere in the retrieval pack to ground a complete signer on).
// Only GetToken's request carries that signature; the other calls are sent
// unsigned.
type HTTPAPIClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewHTTPAPIClient builds a client against baseURL (the control-plane host,
// e.g. "https://kinesisvideo.us-west-2.amazonaws.com"), using client if
// non-nil or a 5s-timeout default otherwise (spec.md §5: "bounded by each
// state's per-call timeout, default 5 s").
func NewHTTPAPIClient(baseURL string, client *http.Client) *HTTPAPIClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPAPIClient{BaseURL: baseURL, HTTPClient: client}
}

func sign(creds *credential.Credentials, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(creds.SecretKey))
	mac.Write([]byte(method + "\n" + path + "\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *HTTPAPIClient) do(ctx context.Context, creds *credential.Credentials, method, path string, body interface{}, out interface{}) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, fmt.Errorf("signaling: encode request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, h.BaseURL+path, &buf)
	if err != nil {
		return 0, fmt.Errorf("signaling: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if creds != nil {
		req.Header.Set("X-Amz-Security-Token", creds.SessionToken)
		req.Header.Set("Authorization", fmt.Sprintf("KVSRTC-HMAC-SHA256 Credential=%s, Signature=%s",
			creds.AccessKey, sign(creds, method, path, buf.Bytes())))
	}

	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return 0, &ClientError{Kind: KindTransport, Reason: "http request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, &ClientError{Kind: KindProtocol, Reason: "decode response body", Err: err}
		}
	}
	return resp.StatusCode, nil
}

type describeChannelResponse struct {
	ChannelARN string `json:"ChannelARN"`
}

type getSignalingEndpointResponse struct {
	HTTPSEndpoint string `json:"HttpsEndpoint"`
	WSSEndpoint   string `json:"WssEndpoint"`
}

type iceServerConfigWire struct {
	URIs     []string `json:"Uris"`
	Username string   `json:"Username"`
	Password string   `json:"Password"`
	TTLSecs  int64    `json:"Ttl"`
}

type getICEServerConfigResponse struct {
	ICEServerList []iceServerConfigWire `json:"IceServerList"`
}

// GetToken exercises the credential provider against a lightweight
// token-exchange endpoint; a 200 simply confirms the held credentials are
// still accepted by the service.
func (h *HTTPAPIClient) GetToken(ctx context.Context, creds *credential.Credentials) (APIResponse, error) {
	status, err := h.do(ctx, creds, http.MethodPost, "/getToken", nil, nil)
	if err != nil {
		return APIResponse{}, err
	}
	return APIResponse{StatusCode: status}, nil
}

// DescribeChannel looks up an existing channel's ARN by name.
func (h *HTTPAPIClient) DescribeChannel(ctx context.Context, channelName string) (APIResponse, error) {
	var out describeChannelResponse
	status, err := h.do(ctx, nil, http.MethodPost, "/describeSignalingChannel",
		map[string]string{"ChannelName": channelName}, &out)
	if err != nil {
		return APIResponse{}, err
	}
	return APIResponse{StatusCode: status, ChannelARN: out.ChannelARN}, nil
}

// CreateChannel provisions a new signaling channel.
func (h *HTTPAPIClient) CreateChannel(ctx context.Context, channelName string) (APIResponse, error) {
	var out describeChannelResponse
	status, err := h.do(ctx, nil, http.MethodPost, "/createSignalingChannel",
		map[string]string{"ChannelName": channelName}, &out)
	if err != nil {
		return APIResponse{}, err
	}
	return APIResponse{StatusCode: status, ChannelARN: out.ChannelARN}, nil
}

// GetSignalingEndpoint resolves the HTTPS/WSS endpoints for a channel ARN
// and role.
func (h *HTTPAPIClient) GetSignalingEndpoint(ctx context.Context, channelARN string, role Role) (APIResponse, error) {
	var out getSignalingEndpointResponse
	status, err := h.do(ctx, nil, http.MethodPost, "/getSignalingChannelEndpoint",
		map[string]string{"ChannelARN": channelARN, "Role": string(role)}, &out)
	if err != nil {
		return APIResponse{}, err
	}
	return APIResponse{StatusCode: status, HTTPS: out.HTTPSEndpoint, WSS: out.WSSEndpoint}, nil
}

// GetICEServerConfig fetches the TURN/STUN server list for a channel ARN.
func (h *HTTPAPIClient) GetICEServerConfig(ctx context.Context, channelARN string) (APIResponse, error) {
	var out getICEServerConfigResponse
	status, err := h.do(ctx, nil, http.MethodPost, "/getIceServerConfig",
		map[string]string{"ChannelARN": channelARN}, &out)
	if err != nil {
		return APIResponse{}, err
	}

	fetchedAt := time.Now()
	configs := make([]ICEServerConfig, 0, len(out.ICEServerList))
	for _, s := range out.ICEServerList {
		configs = append(configs, ICEServerConfig{
			URIs:      s.URIs,
			Username:  s.Username,
			Password:  s.Password,
			TTL:       time.Duration(s.TTLSecs) * time.Second,
			FetchedAt: fetchedAt,
		})
	}
	return APIResponse{StatusCode: status, ICEConfigs: configs}, nil
}

var _ APIClient = (*HTTPAPIClient)(nil)
