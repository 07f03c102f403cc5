package errors

import (
	"encoding/json"
	stderrors "errors"
)

func New(code Kind, err error) Error {
	return Error{Err: err, Message: err.Error(), Code: code}
}

type Error struct {
	Message string `json:"message"`
	Err     error  `json:"-"`
	Code    Kind   `json:"code"`
}

func (e Error) Error() string {
	j, err := json.Marshal(&e)
	if err != nil {
		return e.Message
	}
	return string(j)
}

func (e Error) Unwrap() error {
	return e.Err
}

// KindOf returns the code of err if it is (or wraps) an Error, UnknownError otherwise.
func KindOf(err error) Kind {
	var e Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return UnknownError
}
