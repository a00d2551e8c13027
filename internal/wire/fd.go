// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

import "syscall"

// closeFD closes a raw descriptor obtained from SCM_RIGHTS ancillary data.
// Kept as a one-line indirection so every Message-owned fd close goes
// through a single, greppable call site (spec.md §5 "Fd discipline").
func closeFD(fd int) error {
	return syscall.Close(fd)
}
