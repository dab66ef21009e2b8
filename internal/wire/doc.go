// Package wire implements the Jupyter messaging wire format.
//
// A message on a ROUTER or PUB socket is a list of frames:
//
//	[routing ids...] <IDS|MSG> signature header parent_header metadata content [buffers...]
//
// The signature is a hex encoded HMAC over the four JSON frames (header,
// parent_header, metadata, content) using the key from the connection file.
// Codec decodes frames into an Envelope and encodes envelopes back into frames;
// Builder creates new envelopes for replies and broadcasts.
package wire
