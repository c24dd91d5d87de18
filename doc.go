// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vmlc is a host-side driver core for a VME data-acquisition
// controller reachable over USB3 or UDP/IP.
//
// The primary elements of interest are:
//
//   - Connection, which owns a transport.Transport and drives the
//     command-pipe reader and transaction engine.
//
//   - The readout package, a resumable state machine that reassembles
//     per-event, per-module readout records from a possibly lossy stream
//     of buffers.
//
//   - The throttle package, which watches the OS receive-buffer fill
//     level for the data pipe and emits back-pressure packets.
//
// This package frames and multiplexes the controller's wire protocol; it
// does not interpret VME module data and does not schedule triggers.
package vmlc
