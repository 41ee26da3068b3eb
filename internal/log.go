package internal

import (
	"fmt"
	"io"
	"log"
)

var Debug bool

var Logger = log.New(io.Discard, "slotring: ", log.LstdFlags)

func Debugf(s string, args ...interface{}) {
	if !Debug {
		return
	}
	Logger.Output(2, fmt.Sprintf(s, args...))
}

func Logf(s string, args ...interface{}) {
	Logger.Output(2, fmt.Sprintf(s, args...))
}
