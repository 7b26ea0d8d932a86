package twiml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"
)

// Header is the XML declaration Twilio expects in front of every
// TwiML document.
const Header = `<?xml version="1.0" encoding="UTF-8"?>`

// Render serializes a Response into the provider wire format. Output is
// compact (no indentation) with a fixed attribute order, so identical
// ASTs always produce identical bytes; defaulted attributes are omitted
// the way Twilio's own helper libraries omit them.
func Render(resp *Response) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(Header)
	buf.WriteString("<Response>")
	for _, child := range resp.Children {
		if err := renderNode(&buf, child); err != nil {
			return nil, err
		}
	}
	buf.WriteString("</Response>")
	return buf.Bytes(), nil
}

func renderNode(buf *bytes.Buffer, node Node) error {
	switch n := node.(type) {
	case *Say:
		attrs := []attr{{"voice", n.Voice}, {"language", n.Language}}
		return textElement(buf, "Say", attrs, n.Text)
	case *Play:
		var attrs []attr
		if n.Loop > 0 {
			attrs = append(attrs, attr{"loop", strconv.Itoa(n.Loop)})
		}
		return textElement(buf, "Play", attrs, n.URL)
	case *Pause:
		var attrs []attr
		if n.Length > 0 {
			attrs = append(attrs, attr{"length", seconds(n.Length)})
		}
		emptyElement(buf, "Pause", attrs)
		return nil
	case *Record:
		attrs := []attr{
			{"action", n.Action},
			{"method", n.Method},
		}
		if n.TimeoutInSeconds > 0 {
			attrs = append(attrs, attr{"timeout", seconds(n.TimeoutInSeconds)})
		}
		if n.MaxLength > 0 {
			attrs = append(attrs, attr{"maxLength", seconds(n.MaxLength)})
		}
		if !n.PlayBeep {
			// playBeep defaults to true
			attrs = append(attrs, attr{"playBeep", "false"})
		}
		if n.Transcribe {
			attrs = append(attrs, attr{"transcribe", "true"})
			attrs = append(attrs, attr{"transcribeCallback", n.TranscribeCallback})
		}
		emptyElement(buf, "Record", attrs)
		return nil
	case *Dial:
		attrs := []attr{
			{"action", n.Action},
			{"method", n.Method},
		}
		if n.Timeout > 0 {
			attrs = append(attrs, attr{"timeout", seconds(n.Timeout)})
		}
		if len(n.Children) > 0 {
			openElement(buf, "Dial", attrs)
			for _, child := range n.Children {
				if err := renderNode(buf, child); err != nil {
					return err
				}
			}
			buf.WriteString("</Dial>")
			return nil
		}
		return textElement(buf, "Dial", attrs, n.Number)
	case *Number:
		return textElement(buf, "Number", nil, n.Number)
	case *Hangup:
		buf.WriteString("<Hangup/>")
		return nil
	default:
		return fmt.Errorf("cannot render TwiML node of type %T", node)
	}
}

type attr struct {
	name  string
	value string
}

func openElement(buf *bytes.Buffer, name string, attrs []attr) {
	buf.WriteByte('<')
	buf.WriteString(name)
	for _, a := range attrs {
		if a.value == "" {
			continue
		}
		buf.WriteByte(' ')
		buf.WriteString(a.name)
		buf.WriteString(`="`)
		xml.EscapeText(buf, []byte(a.value))
		buf.WriteByte('"')
	}
	buf.WriteByte('>')
}

func emptyElement(buf *bytes.Buffer, name string, attrs []attr) {
	buf.WriteByte('<')
	buf.WriteString(name)
	for _, a := range attrs {
		if a.value == "" {
			continue
		}
		buf.WriteByte(' ')
		buf.WriteString(a.name)
		buf.WriteString(`="`)
		xml.EscapeText(buf, []byte(a.value))
		buf.WriteByte('"')
	}
	buf.WriteString("/>")
}

func textElement(buf *bytes.Buffer, name string, attrs []attr, text string) error {
	openElement(buf, name, attrs)
	if err := xml.EscapeText(buf, []byte(text)); err != nil {
		return err
	}
	buf.WriteString("</")
	buf.WriteString(name)
	buf.WriteByte('>')
	return nil
}

func seconds(d time.Duration) string {
	return strconv.Itoa(int(d / time.Second))
}
