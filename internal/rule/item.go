// Package rule evaluates remote diagnosis rules against streams of
// decoded messages and turns hits into upload requests.
package rule

// Item is one message presented to the rule engine.
type Item struct {
	Topic   string
	Msg     any
	Ts      int64 // seconds since epoch
	Msgtype string
}

// LogMessage wraps a plain log line as a message payload. Its message
// type is always "foxglove.Log".
type LogMessage struct {
	Message string `json:"message"`
}

// LogMsgtype is the message type assigned to raw log lines.
const LogMsgtype = "foxglove.Log"
