package twiml

import "time"

// Node is the interface for all TwiML AST nodes
type Node interface {
	isNode()
}

// Response is the root TwiML element
type Response struct {
	Children []Node
}

func (Response) isNode() {}

// Say outputs text-to-speech
type Say struct {
	Text     string
	Voice    string
	Language string
}

func (Say) isNode() {}

// Play plays an audio file
type Play struct {
	URL  string
	Loop int
}

func (Play) isNode() {}

// Pause waits for a specified duration
type Pause struct {
	Length time.Duration
}

func (Pause) isNode() {}

// Record records the caller's voice and optionally requests a
// transcription, delivered later to TranscribeCallback
type Record struct {
	MaxLength          time.Duration
	TimeoutInSeconds   time.Duration
	PlayBeep           bool
	Action             string
	Method             string
	Transcribe         bool
	TranscribeCallback string
}

func (Record) isNode() {}

// Dial connects the call to another party
type Dial struct {
	Number   string
	Action   string
	Method   string
	Timeout  time.Duration
	Children []Node // for nested <Number>
}

func (Dial) isNode() {}

// Number is used inside <Dial> to specify a phone number
type Number struct {
	Number string
}

func (Number) isNode() {}

// Hangup ends the call
type Hangup struct{}

func (Hangup) isNode() {}
