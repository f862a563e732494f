package deployer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stratus-cp/stratus/pkg/engine"
)

// Wire protocol between the control plane and remote deployers.
const (
	// TasksPath accepts TaskRequest bodies.
	TasksPath = "/v1/tasks"

	// CallbacksPath is the prefix of callback URLs; the token follows it.
	CallbacksPath = "/v1/callbacks/"

	// IdempotencyKeyHeader carries the order id on task submission.
	IdempotencyKeyHeader = "Idempotency-Key"

	// SignatureHeader carries the HMAC-SHA256 of a callback body.
	SignatureHeader = "X-Stratus-Signature"

	signaturePrefix = "sha256="
)

// TaskRequest asks a remote deployer to run an order.
type TaskRequest struct {
	Token       string               `json:"token" validate:"required"`
	OrderID     string               `json:"orderId" validate:"required"`
	ServiceID   string               `json:"serviceId"`
	Operation   engine.Operation     `json:"operation" validate:"required"`
	Provider    string               `json:"provider" validate:"required"`
	Region      string               `json:"region,omitempty"`
	Payload     *engine.OrderPayload `json:"payload"`
	CallbackURL string               `json:"callbackUrl" validate:"required,url"`
}

// TaskAccepted is the response to a TaskRequest.
type TaskAccepted struct {
	Token     string `json:"token"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// CallbackBody is the outcome a deployer posts to its callback URL.
type CallbackBody struct {
	Success         bool              `json:"success"`
	DeployerVersion string            `json:"deployerVersion,omitempty"`
	Error           string            `json:"error,omitempty"`
	Artifacts       map[string]string `json:"artifacts,omitempty"`
}

// Outcome converts the body to an engine outcome.
func (b CallbackBody) Outcome() engine.Outcome {
	return engine.Outcome{
		Success:         b.Success,
		DeployerVersion: b.DeployerVersion,
		Error:           b.Error,
		Artifacts:       b.Artifacts,
	}
}

// NewCallbackBody converts an engine outcome to its wire form.
func NewCallbackBody(o engine.Outcome) CallbackBody {
	return CallbackBody{
		Success:         o.Success,
		DeployerVersion: o.DeployerVersion,
		Error:           o.Error,
		Artifacts:       o.Artifacts,
	}
}

// DecodeCallback parses a callback body.
func DecodeCallback(data []byte) (CallbackBody, error) {
	var b CallbackBody
	if err := json.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("failed to decode callback: %w", err)
	}
	return b, nil
}

// Sign returns the signature header value of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value against body.
func Verify(secret, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// CallbackURL joins a base URL and a token.
func CallbackURL(base, token string) string {
	return strings.TrimSuffix(base, "/") + CallbacksPath + token
}
