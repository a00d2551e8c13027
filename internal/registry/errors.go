// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package registry

import "errors"

var (
	// ErrPathTaken is returned by CreateObject when the requested path is
	// already owned by a live object (spec.md §3 "a path... unique when present").
	ErrPathTaken = errors.New("registry: path already registered")

	// ErrTypeNotFound is returned when ADD_OBJECT names an object-type id
	// that does not exist.
	ErrTypeNotFound = errors.New("registry: object-type not found")

	// ErrObjectNotFound is returned by lookups and REMOVE_OBJECT/SUBSCRIBE/
	// UNSUBSCRIBE when an object id does not resolve.
	ErrObjectNotFound = errors.New("registry: object not found")

	// ErrNotOwner is returned by FreeObject when a client attempts to free an
	// object it does not own (spec.md §6 "S6: permission"). The ownership
	// checks for NOTIFY and SUBSCRIBE/UNSUBSCRIBE are made by the router
	// itself and do not produce this error.
	ErrNotOwner = errors.New("registry: object not owned by requesting client")

	// ErrEdgeNotFound is returned by Unsubscribe when no matching
	// subscription edge exists.
	ErrEdgeNotFound = errors.New("registry: subscription edge not found")
)
