// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package errors

import "errors"

var (
	ErrInvalidStorePath   = errors.New("invalid store path")
	ErrStorePathLocked    = errors.New("store path is locked by another process")
	ErrClusterIDCorrupt   = errors.New("cluster id file corrupt")
	ErrClusterIDAssigned  = errors.New("cluster id already assigned")
	ErrIO                 = errors.New("io error")
	ErrTestFile           = errors.New("test file read/write mismatch")

	ErrHeaderParse = errors.New("tablet header parse failed")

	ErrTabletNotFound       = errors.New("tablet not found")
	ErrTabletExists         = errors.New("tablet already exists")
	ErrTabletIDExists       = errors.New("tablet id exists with different schema hash")
	ErrTabletAlreadyDeleted = errors.New("tablet already deleted")
	ErrIndexValidate        = errors.New("tablet without delta and not in schema change is invalid")

	ErrPreviousSchemaChangeNotFinished = errors.New("previous schema change not finished")

	ErrParams = errors.New("invalid request params")
	ErrMalloc = errors.New("allocate memory failed")

	ErrWriterState = errors.New("rowset writer in wrong state")

	ErrRowsetIDExhausted = errors.New("rowset id exhausted")
)
