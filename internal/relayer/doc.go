// Package relayer keeps the directory of staked relaying parties, scores them
// by reputation and recent activity, and picks one for each intent.
package relayer
