package pipeline

import (
	"fmt"
	"net/http"
)

// Kind discriminates the payload carried by a Message.
type Kind uint8

const (
	// KindBytes is an opaque byte chunk on a stream without framing.
	KindBytes Kind = iota + 1
	// KindHead opens a structured request or response.
	KindHead
	// KindBody is a body chunk of a structured message.
	KindBody
	// KindEnd marks the end of a direction, optionally carrying trailers.
	KindEnd
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindHead:
		return "head"
	case KindBody:
		return "body"
	case KindEnd:
		return "end"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Head is the header section of a request or response. Requests set Method,
// Scheme, Authority and Path; responses set Status.
type Head struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Status    int
	Header    http.Header
}

// Message is the protocol-independent unit handed to stages. Handlers never
// see wire frames.
type Message struct {
	Kind    Kind
	Head    *Head
	Data    []byte
	Trailer http.Header
}

// Bytes returns a raw byte message.
func Bytes(b []byte) Message {
	return Message{Kind: KindBytes, Data: b}
}

// HeadMessage returns a message carrying h.
func HeadMessage(h *Head) Message {
	return Message{Kind: KindHead, Head: h}
}

// Body returns a body chunk message.
func Body(b []byte) Message {
	return Message{Kind: KindBody, Data: b}
}

// End returns an end-of-stream marker. trailer may be nil.
func End(trailer http.Header) Message {
	return Message{Kind: KindEnd, Trailer: trailer}
}

// Len returns the payload size used for accounting.
func (m Message) Len() int {
	return len(m.Data)
}

// String implements fmt.Stringer for debug logging.
func (m Message) String() string {
	switch m.Kind {
	case KindHead:
		if m.Head == nil {
			return "head(nil)"
		}
		if m.Head.Status != 0 {
			return fmt.Sprintf("head(status=%d)", m.Head.Status)
		}
		return fmt.Sprintf("head(%s %s)", m.Head.Method, m.Head.Path)
	case KindBytes, KindBody:
		return fmt.Sprintf("%s(%d)", m.Kind, len(m.Data))
	default:
		return m.Kind.String()
	}
}
