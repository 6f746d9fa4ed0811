// Package worker implements the two loops that operate on a shared resource
// table: Decay, which ages one flower from healthy to withering after a
// random delay, and Gardener, which sweeps every flower and restores the
// withering ones.
//
// Workers never create or destroy shared resources. They receive the mapped
// table and the lock set explicitly and mutate record i only while holding
// lock i. No worker ever holds two locks at once.
package worker
