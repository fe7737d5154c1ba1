// package transport contains implementations to requirements on *message
// syntaxes* defined by http related RFCs: the HTTP/1.1 codec (RFC 9112)
// and the HTTP/2 adapter over the h2c connection engine (RFC 9113).
//
// net/http components are reused on the "semantics" part
// ([net/http.Header], etc.)
package transport
