// Package mcpchannel provides flat re-exports of the relay and channel packages
// for callers that embed the relay without the HTTP server.
package mcpchannel

import (
	"github.com/machinefabric/mcpchannel-go/channel"
	"github.com/machinefabric/mcpchannel-go/relay"
	"github.com/machinefabric/mcpchannel-go/wire"
	"github.com/machinefabric/mcpchannel-go/worker"
)

// Relay types
type Relay = relay.Relay
type Config = relay.Config
type Status = relay.Status
type ConnectionInfo = relay.ConnectionInfo
type Error = relay.Error
type ErrorType = relay.ErrorType
type EventSink = relay.EventSink

var NewRelay = relay.New
var DefaultConfig = relay.DefaultConfig
var DefaultCapabilities = relay.DefaultCapabilities

// Channel types
type Channel = channel.Channel
type MethodCall = channel.MethodCall
type MethodResult = channel.MethodResult

var NewChannel = channel.New
var Describe = channel.Describe

// Worker and framing types
type WorkerConfig = worker.Config
type Limits = wire.Limits

var DefaultLimits = wire.DefaultLimits
