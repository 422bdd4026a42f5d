// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service implements the Unix socket protocol between the
// steward daemon and its clients.
//
// The protocol is one CBOR request and one CBOR response per
// connection. A request is a map with an "action" field selecting the
// handler plus whatever fields that action defines; the response is a
// Response envelope whose Data field carries the action's result.
// CBOR values are self-delimiting, so there is no framing layer.
//
// Failure responses carry a machine-readable code alongside the
// message when the handler returned an *Error; clients match on the
// code, humans read the message.
//
// There is no authentication on the socket. The daemon owns the
// socket file, and access control is filesystem permissions on its
// directory: whoever can open the socket is an operator.
package service
