// Package callback encodes inline-button payloads as tagged actions. Data
// is decoded once at the edge; handlers switch on the concrete type.
//
// Wire format is "<tag>:<field>[:<field>]", kept well under the 64 byte
// callback data limit.
package callback

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wapuda/uniqbot/internal/jobs"
)

var ErrUnknown = errors.New("unknown callback data")

// Action is one of the concrete action types below.
type Action interface{ tag() string }

// Lang picks the interface language.
type Lang struct{ Lang string }

// Menu picks the processing mode for the next link.
type Menu struct{ Mode jobs.Mode }

type AdminOp string

const (
	AdminStats     AdminOp = "stats"
	AdminBroadcast AdminOp = "broadcast"
	AdminCancel    AdminOp = "cancel"
)

// Admin is a button of the admin panel.
type Admin struct{ Op AdminOp }

// Confirm answers the "make it unique?" prompt for session Token.
type Confirm struct {
	Yes   bool
	Token string
}

// BroadcastCancel is attached to broadcast progress messages.
type BroadcastCancel struct{}

func (Lang) tag() string            { return "lang" }
func (Menu) tag() string            { return "menu" }
func (Admin) tag() string           { return "adm" }
func (Confirm) tag() string         { return "cf" }
func (BroadcastCancel) tag() string { return "bc" }

// Encode renders a as callback data.
func Encode(a Action) string {
	switch v := a.(type) {
	case Lang:
		return "lang:" + v.Lang
	case Menu:
		return "menu:" + string(v.Mode)
	case Admin:
		return "adm:" + string(v.Op)
	case Confirm:
		yn := "n"
		if v.Yes {
			yn = "y"
		}
		return "cf:" + yn + ":" + v.Token
	case BroadcastCancel:
		return "bc:stop"
	}
	return ""
}

// Parse decodes callback data produced by Encode.
func Parse(data string) (Action, error) {
	tag, rest, _ := strings.Cut(data, ":")
	switch tag {
	case "lang":
		if rest != "" {
			return Lang{Lang: rest}, nil
		}
	case "menu":
		if m := jobs.Mode(rest); m.Valid() {
			return Menu{Mode: m}, nil
		}
	case "adm":
		switch op := AdminOp(rest); op {
		case AdminStats, AdminBroadcast, AdminCancel:
			return Admin{Op: op}, nil
		}
	case "cf":
		yn, token, ok := strings.Cut(rest, ":")
		if ok && token != "" && (yn == "y" || yn == "n") {
			return Confirm{Yes: yn == "y", Token: token}, nil
		}
	case "bc":
		if rest == "stop" {
			return BroadcastCancel{}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknown, data)
}
