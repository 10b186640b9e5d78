// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package tuya

import "encoding/json"

// Data point codes reported by single-channel metering smart plugs.
const (
	CodeSwitch  = "switch_1"
	CodeCurrent = "cur_current"
	CodeVoltage = "cur_voltage"
	CodePower   = "cur_power"
)

// codeTokenInvalid is the API error code for an expired or revoked access token
const codeTokenInvalid = 1010

// DataPoint is one {code, value} pair of a device status response. Value is
// kept raw because its JSON type depends on the code.
type DataPoint struct {
	Code  string          `json:"code"`
	Value json.RawMessage `json:"value"`
}

// Command is one {code, value} instruction sent to a device.
type Command struct {
	Code  string `json:"code"`
	Value any    `json:"value"`
}

// StatusResponse is the decoded answer to a device status request.
type StatusResponse struct {
	Success bool        `json:"success"`
	Code    int         `json:"code,omitempty"`
	Msg     string      `json:"msg,omitempty"`
	T       int64       `json:"t"`
	Result  []DataPoint `json:"result"`
}

// CommandResponse is the decoded answer to a device command request.
type CommandResponse struct {
	Success bool   `json:"success"`
	Code    int    `json:"code,omitempty"`
	Msg     string `json:"msg,omitempty"`
	T       int64  `json:"t"`
	Result  bool   `json:"result"`
}

// envelope is the common shape of every OpenAPI response
type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	T       int64           `json:"t"`
	Result  json.RawMessage `json:"result"`
}

// tokenResult is the result body of the token endpoint
type tokenResult struct {
	AccessToken  string `json:"access_token"`
	ExpireTime   int64  `json:"expire_time"` // seconds
	RefreshToken string `json:"refresh_token"`
	UID          string `json:"uid"`
}

type commandRequest struct {
	Commands []Command `json:"commands"`
}
