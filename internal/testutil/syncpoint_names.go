// Package testutil provides test utilities for stress testing and verification.
//
// This file defines sync point names used throughout the codebase.
// These are plain string constants with zero runtime overhead.
//
// Sync points allow tests to inject deterministic behavior into concurrent code.
// In production builds (without -tags synctest), SP() calls are no-ops.
package testutil

// Sync point names used throughout the engine. These follow RocksDB's
// naming convention: "Component::Function:Location".
const (
	// Engine lifecycle
	SPEngineOpen            = "Engine::Open:Start"
	SPEngineOpenComplete    = "Engine::Open:Complete"
	SPEngineClose           = "Engine::Close:Start"
	SPEngineCloseComplete   = "Engine::Close:Complete"
	SPEngineRecoverStart    = "Engine::Recover:Start"
	SPEngineRecoverComplete = "Engine::Recover:Complete"
	SPCreateTableStart      = "Engine::CreateTable:Start"
	SPCreateTableComplete   = "Engine::CreateTable:Complete"
	SPOpenTableStart        = "Engine::OpenTable:Start"
	SPOpenTableComplete     = "Engine::OpenTable:Complete"
	SPDropTableStart        = "Engine::DropTable:Start"
	SPDropTableComplete     = "Engine::DropTable:Complete"

	// Alter path
	SPAlterSchemaStart    = "TableData::AlterSchema:Start"
	SPAlterSchemaComplete = "TableData::AlterSchema:Complete"
	SPAlterOptionsStart    = "TableData::AlterOptions:Start"
	SPAlterOptionsComplete = "TableData::AlterOptions:Complete"

	// Write path
	SPWriteStart               = "TableData::Write:Start"
	SPWriteBeforeWAL           = "TableData::Write:BeforeWAL"
	SPWriteAfterWAL            = "TableData::Write:AfterWAL"
	SPWriteBeforeMemtable      = "TableData::Write:BeforeMemtable"
	SPWriteAfterMemtable       = "TableData::Write:AfterMemtable"
	SPWriteComplete            = "TableData::Write:Complete"
	SPWriteRejectedNotLeader   = "TableData::Write:RejectedNotLeader"
	SPWriteStalled             = "TableData::Write:Stalled"

	// Read path
	SPScanStart      = "TableData::Scan:Start"
	SPScanMemtables  = "TableData::Scan:SearchMemtables"
	SPScanSST        = "TableData::Scan:SearchSST"
	SPScanComplete   = "TableData::Scan:Complete"

	// Flush path
	SPFlushStart            = "Flusher::Run:Start"
	SPFlushWriteSST         = "Flusher::Run:WriteSST"
	SPFlushSyncSST          = "Flusher::Run:SyncSST"
	SPFlushApplyVersionEdit = "Flusher::Run:ApplyVersionEdit"
	SPFlushComplete         = "Flusher::Run:Complete"
	SPFlushFailed           = "Flusher::Run:Failed"
	SPScheduleFlushStart    = "FlushScheduler::Schedule:Start"
	SPScheduleFlushComplete = "FlushScheduler::Schedule:Complete"

	// Compaction path
	SPCompactionStart        = "CompactionJob::Run:Start"
	SPCompactionPickComplete = "CompactionJob::Pick:Complete"
	SPCompactionOpenInputs   = "CompactionJob::Run:OpenInputs"
	SPCompactionWriteOutput  = "CompactionJob::Run:WriteOutput"
	SPCompactionDeleteInputs = "CompactionJob::Run:DeleteInputs"
	SPCompactionComplete     = "CompactionJob::Run:Complete"

	// Manifest
	SPManifestLogAndApply     = "Manifest::StoreUpdate:Start"
	SPManifestLogAndApplyDone = "Manifest::StoreUpdate:Complete"
	SPManifestSnapshotStart   = "Manifest::DoSnapshot:Start"
	SPManifestSnapshotDone    = "Manifest::DoSnapshot:Complete"
	SPManifestRecoverStart    = "Manifest::LoadData:Start"
	SPManifestRecoverDone     = "Manifest::LoadData:Complete"

	// WAL
	SPWALWrite           = "WalManager::Write:Start"
	SPWALWriteComplete   = "WalManager::Write:Complete"
	SPWALSync            = "WalManager::Sync:Start"
	SPWALSyncComplete    = "WalManager::Sync:Complete"
	SPWALBucketRotate    = "WalManager::BucketMonitor:Rotate"

	// Memtable
	SPMemtablePut         = "Memtable::Put:Start"
	SPMemtablePutComplete = "Memtable::Put:Complete"
	SPMemtableSwitch      = "TableData::SwitchMemtable:Start"

	// SST builder/reader
	SPSstBuildStart    = "SstBuilder::Build:Start"
	SPSstBuildFinish   = "SstBuilder::Build:Finish"
	SPSstReadStart     = "SstReader::Open:Start"
	SPSstReadComplete  = "SstReader::Open:Complete"

	// Purger
	SPPurgerDelete         = "Purger::Delete:Start"
	SPPurgerDeleteComplete = "Purger::Delete:Complete"

	// Serial executor
	SPSerialAcquire        = "SerialExecutor::Acquire:Start"
	SPSerialRelease        = "SerialExecutor::Release:Start"
	SPSerialHandOff        = "SerialExecutor::AcquireAndHandOff:Start"
)
