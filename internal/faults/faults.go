package faults

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindDomain              Kind = "domain"
	KindRPC                 Kind = "rpc"
	KindContractRead        Kind = "contract_read"
	KindEstimation          Kind = "estimation"
	KindGasSimulation       Kind = "gas_simulation"
	KindWalletNotConnected  Kind = "wallet_not_connected"
	KindMarketNotLoaded     Kind = "market_not_loaded"
	KindSubmission          Kind = "submission"
	KindConfirmationTimeout Kind = "confirmation_timeout"
	KindReverted            Kind = "reverted"
)

// Sentinels for errors.Is. Any *Error with the same Kind matches.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrDomain              = &Error{Kind: KindDomain}
	ErrRPC                 = &Error{Kind: KindRPC}
	ErrContractRead        = &Error{Kind: KindContractRead}
	ErrEstimation          = &Error{Kind: KindEstimation}
	ErrGasSimulation       = &Error{Kind: KindGasSimulation}
	ErrWalletNotConnected  = &Error{Kind: KindWalletNotConnected}
	ErrMarketNotLoaded     = &Error{Kind: KindMarketNotLoaded}
	ErrSubmission          = &Error{Kind: KindSubmission}
	ErrConfirmationTimeout = &Error{Kind: KindConfirmationTimeout}
	ErrReverted            = &Error{Kind: KindReverted}
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Validation(op string, format string, args ...interface{}) error {
	return Newf(KindValidation, op, format, args...)
}

// KindOf returns the kind of the outermost *Error in the chain, or "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Wrap keeps an already classified error as is and classifies anything else as kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
