// Package web3 defines the verifier abstraction the verification coordinator
// drives, the chain definition file format, and the error codes that separate
// contract rejections from transient node failures. Concrete clients live in
// the ethereum and simulated subpackages; provider wires them from config.
package web3
