// Package provider defines the capability-reporting historical and streaming
// provider contracts, the descriptor model, the error kinds the composite
// classifies on, and the explicit registry adapters append to at init.
//
// Provider-specific wire decoding lives in the adapters; the only contract
// the rest of the engine sees is the normalized event model and these
// interfaces.
package provider
