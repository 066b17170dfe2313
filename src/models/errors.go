package models

import "fmt"

var (
	ErrNotImplemented        = fmt.Errorf("not implemented")
	ErrNotWarm               = fmt.Errorf("not warm")
	ErrNotBuilt              = fmt.Errorf("not built")
	ErrAlreadyBuilt          = fmt.Errorf("already built")
	ErrAlreadyExists         = fmt.Errorf("already exists")
	ErrIndexOutOfBounds      = fmt.Errorf("index out of bounds")
	ErrInvalidTracerType     = fmt.Errorf("invalid tracer type")
	ErrInvalidAssetFrequency = fmt.Errorf("invalid asset frequency")
	ErrInvalidTracerAsset    = fmt.Errorf("invalid tracer asset")
	ErrInvalidDataRequest    = fmt.Errorf("invalid data request")
	ErrInvalidDatetime       = fmt.Errorf("invalid datetime")
	ErrInvalidId             = fmt.Errorf("invalid id")
	ErrInvalidArrayLength    = fmt.Errorf("invalid array length")
	ErrInvalidArrayValues    = fmt.Errorf("invalid array values")
	ErrInsufficientMargin    = fmt.Errorf("insufficient margin")
)
