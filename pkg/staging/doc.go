/*
Package staging abstracts the pluggable storage backends used by staged
clones.

In staged mode the source agent uploads a disk image to a backend and the
target agent later downloads it, decoupling the two agents in time. The
core only provisions an exclusive per-session path, hands locators to the
agents, and deletes the staged bytes after the session ends; it never moves
image data itself.
*/
package staging
