package twiml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Parse parses TwiML XML and returns a Response AST. It is the inverse
// of Render and understands exactly the verbs this package can emit.
func Parse(data []byte) (*Response, error) {
	decoder := xml.NewDecoder(strings.NewReader(string(data)))
	var resp Response

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xml parse error: %w", err)
		}

		if se, ok := token.(xml.StartElement); ok {
			if se.Name.Local == "Response" {
				if err := parseResponse(decoder, &se, &resp); err != nil {
					return nil, err
				}
				return &resp, nil
			}
		}
	}

	return nil, fmt.Errorf("no <Response> element found")
}

func parseResponse(decoder *xml.Decoder, start *xml.StartElement, resp *Response) error {
	for _, attr := range start.Attr {
		return fmt.Errorf("unknown attribute '%s' on <Response>", attr.Name.Local)
	}

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		switch t := token.(type) {
		case xml.StartElement:
			node, err := parseNode(decoder, &t)
			if err != nil {
				return err
			}
			if node != nil {
				resp.Children = append(resp.Children, node)
			}
		case xml.EndElement:
			if t.Name.Local == "Response" {
				return nil
			}
		}
	}
	return nil
}

func parseNode(decoder *xml.Decoder, start *xml.StartElement) (Node, error) {
	switch start.Name.Local {
	case "Say":
		return parseSay(decoder, start)
	case "Play":
		return parsePlay(decoder, start)
	case "Pause":
		return parsePause(decoder, start)
	case "Record":
		return parseRecord(decoder, start)
	case "Dial":
		return parseDial(decoder, start)
	case "Number":
		return parseNumber(decoder, start)
	case "Hangup":
		// Hangup is self-closing, consume the end tag
		decoder.Skip()
		return &Hangup{}, nil
	default:
		return nil, fmt.Errorf("unknown TwiML element: <%s>", start.Name.Local)
	}
}

func parseSay(decoder *xml.Decoder, start *xml.StartElement) (*Say, error) {
	say := &Say{}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "voice":
			say.Voice = attr.Value
		case "language":
			say.Language = attr.Value
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Say>", attr.Name.Local)
		}
	}

	if err := decoder.DecodeElement(&say.Text, start); err != nil {
		return nil, err
	}

	return say, nil
}

func parsePlay(decoder *xml.Decoder, start *xml.StartElement) (*Play, error) {
	play := &Play{}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "loop":
			if n, err := strconv.Atoi(attr.Value); err == nil {
				play.Loop = n
			}
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Play>", attr.Name.Local)
		}
	}
	if err := decoder.DecodeElement(&play.URL, start); err != nil {
		return nil, err
	}
	return play, nil
}

func parsePause(decoder *xml.Decoder, start *xml.StartElement) (*Pause, error) {
	pause := &Pause{Length: 1 * time.Second} // default 1s
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "length":
			if n, err := strconv.Atoi(attr.Value); err == nil {
				pause.Length = time.Duration(n) * time.Second
			}
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Pause>", attr.Name.Local)
		}
	}
	decoder.Skip()
	return pause, nil
}

func parseRecord(decoder *xml.Decoder, start *xml.StartElement) (*Record, error) {
	record := &Record{
		PlayBeep: true, // default true
	}

	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "action":
			record.Action = attr.Value
		case "method":
			record.Method = strings.ToUpper(attr.Value)
		case "timeout":
			if n, err := strconv.Atoi(attr.Value); err == nil {
				record.TimeoutInSeconds = time.Duration(n) * time.Second
			}
		case "maxLength":
			if n, err := strconv.Atoi(attr.Value); err == nil {
				record.MaxLength = time.Duration(n) * time.Second
			}
		case "playBeep":
			record.PlayBeep = attr.Value == "true"
		case "transcribe":
			record.Transcribe = attr.Value == "true"
		case "transcribeCallback":
			record.TranscribeCallback = attr.Value
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Record>", attr.Name.Local)
		}
	}

	decoder.Skip()
	return record, nil
}

func parseDial(decoder *xml.Decoder, start *xml.StartElement) (*Dial, error) {
	dial := &Dial{}

	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "action":
			dial.Action = attr.Value
		case "method":
			dial.Method = strings.ToUpper(attr.Value)
		case "timeout":
			if n, err := strconv.Atoi(attr.Value); err == nil {
				dial.Timeout = time.Duration(n) * time.Second
			}
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Dial>", attr.Name.Local)
		}
	}

	// Content is either plain text (a number) or a nested <Number>
	var textContent string
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := token.(type) {
		case xml.CharData:
			textContent += strings.TrimSpace(string(t))
		case xml.StartElement:
			node, err := parseNode(decoder, &t)
			if err != nil {
				return nil, err
			}
			if node != nil {
				dial.Children = append(dial.Children, node)
				if n, ok := node.(*Number); ok {
					dial.Number = n.Number
				}
			}
		case xml.EndElement:
			if t.Name.Local == "Dial" {
				if len(dial.Children) == 0 && textContent != "" {
					dial.Number = textContent
				}
				return dial, nil
			}
		}
	}

	return dial, nil
}

func parseNumber(decoder *xml.Decoder, start *xml.StartElement) (*Number, error) {
	num := &Number{}
	for _, attr := range start.Attr {
		return nil, fmt.Errorf("unknown attribute '%s' on <Number>", attr.Name.Local)
	}
	if err := decoder.DecodeElement(&num.Number, start); err != nil {
		return nil, err
	}
	return num, nil
}
