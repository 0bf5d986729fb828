package ip

import (
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/header"
)

// Control is a condition delivered to a protocol's ControlInput.
type Control uint8

const (
	ControlIfDown Control = iota
	ControlRouteDead
	_
	ControlQuench2
	ControlQuench
	ControlMsgSize
	ControlHostDead
	ControlHostUnreach
	ControlUnreachNet
	ControlUnreachHost
	ControlUnreachProtocol
	ControlUnreachPort
	ControlUnreachNeedFrag
	ControlUnreachSrcFail
	ControlRedirectNet
	ControlRedirectHost
	ControlRedirectTOSNet
	ControlRedirectTOSHost
	ControlTimeExceededIntrans
	ControlTimeExceededReass
	ControlParamProb
	numControls
)

var controlNames = [numControls]string{
	"ifdown", "routedead", "", "quench2", "quench", "msgsize", "hostdead",
	"hostunreach", "unreach-net", "unreach-host", "unreach-protocol",
	"unreach-port", "unreach-needfrag", "unreach-srcfail", "redirect-net",
	"redirect-host", "redirect-tosnet", "redirect-toshost",
	"timxceed-intrans", "timxceed-reass", "paramprob",
}

func (c Control) String() string {
	if c < numControls {
		return controlNames[c]
	}
	return "unknown"
}

// controlErrors maps conditions to the error stored on affected sockets.
var controlErrors = [numControls]error{
	ControlMsgSize:         core.ErrMessageTooLarge,
	ControlHostDead:        core.ErrHostDown,
	ControlHostUnreach:     core.ErrHostUnreachable,
	ControlUnreachNet:      core.ErrHostUnreachable,
	ControlUnreachHost:     core.ErrHostUnreachable,
	ControlUnreachProtocol: core.ErrConnectionRefused,
	ControlUnreachPort:     core.ErrConnectionRefused,
	ControlUnreachNeedFrag: core.ErrMessageTooLarge,
	ControlUnreachSrcFail:  core.ErrHostUnreachable,
	ControlParamProb:       core.ErrProtocolNotSupported,
}

// Err returns the socket error for c, or nil when c carries none.
func (c Control) Err() error {
	if c < numControls {
		return controlErrors[c]
	}
	return nil
}

// IsRedirect reports the redirect conditions.
func (c Control) IsRedirect() bool {
	return c >= ControlRedirectNet && c <= ControlRedirectTOSHost
}

// ControlFromICMP maps an ICMP error type and code to a condition.
func ControlFromICMP(typ, code uint8) (Control, bool) {
	switch typ {
	case header.ICMPUnreach:
		switch code {
		case header.ICMPUnreachNet, header.ICMPUnreachNetUnknown, header.ICMPUnreachIsolated,
			header.ICMPUnreachNetProhib, header.ICMPUnreachTOSNet:
			return ControlUnreachNet, true
		case header.ICMPUnreachHost, header.ICMPUnreachHostUnknown,
			header.ICMPUnreachHostProhib, header.ICMPUnreachTOSHost:
			return ControlUnreachHost, true
		case header.ICMPUnreachProtocol:
			return ControlUnreachProtocol, true
		case header.ICMPUnreachPort:
			return ControlUnreachPort, true
		case header.ICMPUnreachNeedFrag:
			return ControlMsgSize, true
		case header.ICMPUnreachSrcFail:
			return ControlUnreachSrcFail, true
		}
	case header.ICMPTimeExceeded:
		if code <= header.ICMPTimeExceededReass {
			return ControlTimeExceededIntrans + Control(code), true
		}
	case header.ICMPParamProb:
		if code <= header.ICMPParamProbOptAbsent {
			return ControlParamProb, true
		}
	case header.ICMPSourceQuench:
		if code == 0 {
			return ControlQuench, true
		}
	case header.ICMPRedirect:
		if code <= header.ICMPRedirectTOSHost {
			return ControlRedirectNet + Control(code), true
		}
	}
	return 0, false
}
