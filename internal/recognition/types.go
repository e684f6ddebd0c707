package recognition

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Action selects the recognition operation mode.
type Action string

const (
	ActionRegister Action = "register"
	ActionIdentify Action = "identify"
)

// Request is one still-image submission to the recognition gateway.
// CustomerID is the caller-generated correlation identifier: required
// for register (it becomes the durable external identity key and must
// stay stable across retries of one enrollment attempt), absent for
// identify.
type Request struct {
	Action     Action
	Image      []byte
	CustomerID string
}

// Result is a successful recognition outcome, validated at the client
// boundary. ExternalID is the echoed external identity for register or
// the matched identity for identify. Confidence is only meaningful for
// identify.
type Result struct {
	FaceID     string
	ExternalID string
	Confidence float32
	Raw        json.RawMessage
}

var (
	// ErrMissingCustomerID means a register request lacked its
	// correlation identifier. Raised before any network call.
	ErrMissingCustomerID = errors.New("register requires a customer id")

	// ErrNoUsableFace means the vendor processed the image but found
	// no enrollable or matchable face in it.
	ErrNoUsableFace = errors.New("no usable face in image")
)

// TransportError covers HTTP/network failures and malformed vendor
// payloads. StatusCode is zero when the request never got a response.
type TransportError struct {
	StatusCode int
	Message    string
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("recognition service: %s", e.Message)
	}
	return fmt.Sprintf("recognition service (%d): %s", e.StatusCode, e.Message)
}

// Vendor wire format.

type envelope struct {
	Success   bool       `json:"success"`
	Error     string     `json:"error,omitempty"`
	FaceID    string     `json:"faceId,omitempty"`
	BestMatch *bestMatch `json:"bestMatch,omitempty"`
	FullData  *fullData  `json:"fullData,omitempty"`
}

type bestMatch struct {
	ExternalImageID string  `json:"externalImageId"`
	Similarity      float32 `json:"similarity"`
}

type fullData struct {
	FaceRecords []faceRecord `json:"FaceRecords"`
}

type faceRecord struct {
	Face       faceInfo        `json:"Face"`
	FaceDetail json.RawMessage `json:"FaceDetail,omitempty"`
}

type faceInfo struct {
	FaceID          string `json:"FaceId"`
	ExternalImageID string `json:"ExternalImageId"`
}
