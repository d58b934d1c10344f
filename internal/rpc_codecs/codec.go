package rpccodecs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gorilla/rpc"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeInvalidParams  = -32602
	CodeServerError    = -32000
)

var null = json.RawMessage("null")

// NewCodec returns a JSON-RPC codec that accepts namespaced method names
// ("safe_getTransaction") and routes them to gorilla services ("Safe.GetTransaction").
func NewCodec() *Codec {
	return &Codec{}
}

type Codec struct{}

func (c *Codec) NewRequest(r *http.Request) rpc.CodecRequest {
	req := new(serverRequest)
	err := json.NewDecoder(r.Body).Decode(req)
	r.Body.Close()
	if err != nil {
		err = &Error{Code: CodeParseError, Message: err.Error()}
	}
	return &CodecRequest{request: req, err: err}
}

type CodecRequest struct {
	request *serverRequest
	err     error
}

func (c *CodecRequest) Method() (string, error) {
	if c.err != nil {
		return "", c.err
	}
	method, err := ServiceMethod(c.request.Method)
	if err != nil {
		c.err = &Error{Code: CodeInvalidRequest, Message: err.Error()}
		return "", c.err
	}
	return method, nil
}

// ReadRequest accepts params either as an object or as a positional array
// whose first element is the argument.
func (c *CodecRequest) ReadRequest(args interface{}) error {
	if c.err != nil {
		return c.err
	}
	if c.request.Params == nil {
		c.err = &Error{Code: CodeInvalidParams, Message: "missing params field"}
		return c.err
	}

	raw := *c.request.Params
	if reflect.ValueOf(args).Elem().Kind() == reflect.Struct && len(raw) > 0 && raw[0] == '[' {
		params := []interface{}{args}
		if err := json.Unmarshal(raw, &params); err != nil {
			c.err = &Error{Code: CodeInvalidParams, Message: err.Error()}
		}
		return c.err
	}

	if err := json.Unmarshal(raw, args); err != nil {
		c.err = &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	return c.err
}

func (c *CodecRequest) WriteResponse(w http.ResponseWriter, reply interface{}, methodErr error) error {
	res := &serverResponse{
		Version: "2.0",
		Result:  reply,
		Id:      c.request.Id,
	}

	if methodErr == nil {
		methodErr = c.err
	}
	if methodErr != nil {
		res.Result = nil
		var rpcErr *Error
		if errors.As(methodErr, &rpcErr) {
			res.Error = rpcErr
		} else {
			res.Error = &Error{Code: CodeServerError, Message: methodErr.Error()}
		}
	}

	if res.Id == nil {
		res.Id = &null
		if methodErr == nil {
			// notification
			w.WriteHeader(http.StatusNoContent)
			return nil
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	return json.NewEncoder(w).Encode(res)
}

// ServiceMethod maps "service_method" to "Service.Method".
func ServiceMethod(m string) (string, error) {
	parts := strings.Split(m, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid method: %q", m)
	}
	return capitalize(parts[0]) + "." + capitalize(parts[1]), nil
}

func capitalize(value string) string {
	r, n := utf8.DecodeRuneInString(value)
	return string(unicode.ToUpper(r)) + value[n:]
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

type serverRequest struct {
	Version string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Params  *json.RawMessage `json:"params"`
	Id      *json.RawMessage `json:"id"`
}

type serverResponse struct {
	Version string           `json:"jsonrpc"`
	Result  interface{}      `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
	Id      *json.RawMessage `json:"id"`
}
