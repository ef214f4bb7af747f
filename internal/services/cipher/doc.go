// Package cipher seals and opens chat payloads with a completed per-chat
// key. It is the only crossing point between chat messages and the
// symmetric primitive; send and receive paths both go through it.
package cipher
