package codec

// ErrorCode is a device fault code with its operator-facing message.
type ErrorCode struct {
	Code    uint16 `json:"code"`
	Message string `json:"msg"`
}

var errorCodes = map[uint16]string{
	0:   "Success",
	3:   "Device is disabled",
	4:   "Device uncalibrated time",
	48:  "Infrared module offline",
	49:  "Remote control is not paired",
	219: "Device disable failed",
}

// LookupErrorCode returns the table entry for code. Codes outside the table
// report ok=false.
func LookupErrorCode(code uint16) (ErrorCode, bool) {
	msg, ok := errorCodes[code]
	if !ok {
		return ErrorCode{}, false
	}
	return ErrorCode{Code: code, Message: msg}, true
}
