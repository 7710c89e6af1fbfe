// Package anyspeech holds the shared vocabulary for
// training sequence-to-sequence speech models: corpus
// indices, run configuration, compute devices, and the
// error taxonomy used by the sub-packages.
//
// The sub-packages build on it:
//
//     anybatch - length-aware minibatch planning
//     anyfeed  - example loading, iterators, conversion
//     anycoll  - collective reduce/broadcast
//     anysgd   - single and multi-device update engines
//     anytrain - the epoch-level training loop
//     anyasr   - an LSTM/CTC model for the engine
package anyspeech
