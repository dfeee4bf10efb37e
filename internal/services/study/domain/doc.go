// Package domain holds the study-side entities: conditions, trials,
// sessions, participants, and the fixed stage progression a participant
// moves through during a storytelling session.
package domain
