// Package flowplug implements the plugin side of the flow engine's plugin
// protocol: a bidirectional request/response-and-stream protocol carried over a
// single duplex channel (usually the plugin's stdin/stdout).
//
// The engine sends plugin calls (metadata, signature, run, custom value ops)
// which the EngineInterfaceManager decodes on a dedicated reader goroutine and
// delivers through a channel of ReceivedPluginCall values. While handling a
// call, plugin code can call back into the engine through the EngineInterface
// it received with the call: reading config and environment variables,
// evaluating closures, invoking engine commands, or moving the plugin into the
// terminal foreground. Engine calls look synchronous to the caller but are
// correlated by id over the shared channel, so any number of them can be in
// flight at once, on any number of goroutines.
//
// Pipeline data attached to any call or response is either a single value or a
// multiplexed stream. Streams are chunked into framed stream messages with
// acknowledgement-based flow control, handled by the StreamManager.
//
// The wire encoding is pluggable behind the InputReader and OutputWriter
// interfaces; the cbor subpackage provides the default length-prefixed CBOR
// framing.
package flowplug
