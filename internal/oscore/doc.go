// Package oscore implements Object Security for Constrained RESTful
// Environments (RFC 8613) for CoAP over UDP.
//
// A Context is derived from pre-shared master keying material as described
// in RFC 8613 Section 3.2 and provides both the server role
// (VerifyRequest, ProtectResponse) and the client role (ProtectRequest,
// VerifyResponse). The byte-level Verify and Protect methods are the
// boundary used by the server dispatch pipeline: they take and return
// serialized CoAP messages and report security failures as the CoAP
// response code of RFC 8613 Section 8.2.
//
// Supported AEAD algorithms: AES-CCM-16-64-128 (the mandatory-to-implement
// algorithm), ChaCha20/Poly1305 and A128GCM.
package oscore
