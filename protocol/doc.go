// Package protocol defines the wire format shared by all AppointDent services.
//
// Every bus message is a slash-delimited text frame terminated by a literal
// '*' sentinel:
//
//	reqId/field1/field2/*
//
// The first segment of a request frame is always the caller-chosen correlation
// id; replies echo it back as their first segment. Frames with a missing
// sentinel or the wrong field count for their subject are rejected at the
// boundary, before any business logic runs. The positional string format is
// deliberately minimal; this package is the only place that knows how to
// encode or decode it, and handlers work exclusively with the typed request
// and response variants defined here.
package protocol
