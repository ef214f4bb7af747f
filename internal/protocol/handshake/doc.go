// Package handshake runs the three-message key exchange that converges
// two peers on a shared symmetric chat key.
//
// Each side contributes a random partial key; the partials are combined
// in an order fixed by the participants' user identifiers, so both sides
// derive the identical key without trusting any ordering from the wire.
//
// The exchange:
//
//	initiator                       responder
//	chat.init{pub_i}            ->
//	                            <-  chat.key_exchange{pub_r, enc(partial_r)}
//	chat.key_exchange_complete
//	            {enc(partial_i)} ->
//
// Any decrypt failure aborts the attempt; recovery is a fresh Initiate
// with a brand-new keypair and partial key.
package handshake
