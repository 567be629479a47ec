// Package protocol holds the HTTP wire types exchanged between the master and
// its workers.
package protocol

import "github.com/JakeFAU/archive-scanner/internal/query"

// HeaderAccessKey carries the session key on authenticated calls.
const HeaderAccessKey = "X-Access-Key"

// Greeting is the handshake response body.
const Greeting = "nice to meet you"

// Routes served by the master.
const (
	PathHandshake      = "/handshake"
	PathRegister       = "/register/{secret}"
	PathUnregister     = "/unregister/"
	PathQueries        = "/queries/"
	PathSource         = "/source/"
	PathOutput         = "/output/"
	PathCompleteSource = "/complete_source/{id}"
	PathMetrics        = "/metrics"
	PathHealth         = "/healthz"
)

// Envelope wraps every JSON response.
type Envelope[T any] struct {
	Data T `json:"data"`
}

// ErrorBody is returned for failed requests.
type ErrorBody struct {
	Error string `json:"error"`
}

// Session is the register response.
type Session struct {
	AccessKey string `json:"access_key"`
}

// QuerySet is the queries response.
type QuerySet struct {
	Queries []query.Record `json:"queries"`
}

// WorkItem is one leased archive.
type WorkItem struct {
	Location string `json:"location"`
	ID       string `json:"id"`
}

// OutputAck is the output push response. NewOutputs is the master-wide count
// of outputs accepted so far.
type OutputAck struct {
	NewOutputs int64 `json:"new_outputs"`
}

// Ack is the body of calls that only acknowledge.
type Ack struct {
	OK bool `json:"ok"`
}
