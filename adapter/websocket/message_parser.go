package websocket

import (
	"encoding/json"
	"fmt"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
)

// parseMessage decodes one inbound text frame
//
// Deriv frame shape:
//
//	{"msg_type": "...", "req_id": 7, "echo_req": {...},
//	 "subscription": {"id": "..."}, "error": {"code": "...", "message": "..."},
//	 "<msg_type>": {...body...}}
func parseMessage(message []byte) (*deriv.Response, error) {
	if len(message) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	resp, err := deriv.ParseResponse(message)
	if err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	return resp, nil
}

// encodeRequest stamps req with reqID and serializes it
func encodeRequest(req deriv.Request, reqID int64) ([]byte, error) {
	frame := req.Clone()
	frame["req_id"] = reqID
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", req.Call(), err)
	}
	return data, nil
}
