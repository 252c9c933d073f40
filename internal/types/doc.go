/*
Package types defines the domain model shared by every component of
the WAL listener core: the slot descriptor the Supervisor reconciles
against, the relation cache a Stream Worker keeps, and the ChangeEvent
an Event Assembler produces once a transaction commits.

Types here carry no behavior beyond small derived accessors
(KeyColumns, Equal) — decoding, assembling, and persisting logic lives
in the protocol, assembler, and archive packages respectively.
*/
package types
