package chat

import "errors"

// ErrInvalidInput wraps every validation failure of a messaging operation.
var ErrInvalidInput = errors.New("chat: invalid input")
