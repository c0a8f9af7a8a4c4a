package ipc

import (
	"encoding/json"
	"time"
)

// RequestLogger logs incoming requests. Status polling is only logged at
// debug level.
func RequestLogger(req *Request) {
	if req.Cmd == CmdStatus {
		log.Debugf("request cmd=%s token=%s...", req.Cmd, truncateToken(req.Token))
		return
	}
	log.Infof("request cmd=%s token=%s...", req.Cmd, truncateToken(req.Token))
}

// ResponseLogger logs outgoing responses
func ResponseLogger(req *Request, resp *Response, duration time.Duration) {
	if resp.Success {
		log.Debugf("response cmd=%s success=true duration=%v", req.Cmd, duration)
	} else {
		log.Infof("response cmd=%s success=false error=%q duration=%v", req.Cmd, resp.Error, duration)
	}
}

func truncateToken(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}

// decode unmarshals the request data into v. It returns an error response
// when the data is malformed; absent data leaves v at its zero value.
func decode(req *Request, v interface{}) *Response {
	if len(req.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Data, v); err != nil {
		return NewErrorResponse("invalid " + string(req.Cmd) + " request")
	}
	return nil
}
