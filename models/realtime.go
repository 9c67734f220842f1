package models

import "encoding/json"

// 实时通道帧类型
const (
	FrameSubscribe = "subscribe"
	FrameAck       = "ack"
	FrameInsert    = "insert"
	FrameError     = "error"
)

// 实时通道关闭码
const (
	CloseAuthExpired      = 4401
	ClosePermissionDenied = 4403
)

// RealtimeFrame is the JSON frame exchanged on the realtime websocket.
type RealtimeFrame struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Table   string          `json:"table,omitempty"`
	Filter  string          `json:"filter,omitempty"`
	Record  json.RawMessage `json:"record,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}
