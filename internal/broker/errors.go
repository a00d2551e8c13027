// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package broker

import "errors"

var (
	// errFrameTooLarge is returned internally by conn.readLoop when a frame's
	// declared body length exceeds the configured limit (spec.md §4.4
	// "frames exceeding the bound cause a disconnect with no reply").
	errFrameTooLarge = errors.New("broker: frame body exceeds configured limit")

	// errConnClosed marks a conn whose read or write side has already torn
	// down, used to short-circuit the other side once one direction fails.
	errConnClosed = errors.New("broker: connection closed")
)
