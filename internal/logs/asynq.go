package logx

import (
	"fmt"

	"github.com/rs/zerolog"
)

// AsynqLogger adapts a zerolog logger to asynq.Logger.
type AsynqLogger struct {
	L zerolog.Logger
}

func (a AsynqLogger) Debug(args ...interface{}) { a.L.Debug().Msg(fmt.Sprint(args...)) }
func (a AsynqLogger) Info(args ...interface{})  { a.L.Info().Msg(fmt.Sprint(args...)) }
func (a AsynqLogger) Warn(args ...interface{})  { a.L.Warn().Msg(fmt.Sprint(args...)) }
func (a AsynqLogger) Error(args ...interface{}) { a.L.Error().Msg(fmt.Sprint(args...)) }
func (a AsynqLogger) Fatal(args ...interface{}) { a.L.Fatal().Msg(fmt.Sprint(args...)) }
