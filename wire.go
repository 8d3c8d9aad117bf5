package minidump

import "fmt"

// Wire structs are encoded with encoding/binary in little-endian order. Blank
// fields stand for the padding a C compiler would insert, so binary.Size of
// each struct equals sizeof of its MINIDUMP_* counterpart.

const (
	Signature uint32 = 0x504d444d // "MDMP"
	Version   uint32 = 0x0000a793

	HeaderSize    = 32
	DirectorySize = 12
	LocationSize  = 8

	DefaultAlignment = 4
)

// Header is MINIDUMP_HEADER. The store reserves it at offset 0 and fills it in
// when closing.
type Header struct {
	Signature          uint32
	Version            uint32
	NumberOfStreams    uint32
	StreamDirectoryRVA uint32
	CheckSum           uint32
	TimeDateStamp      uint32
	Flags              uint64
}

// Directory is MINIDUMP_DIRECTORY, one entry of the stream directory.
type Directory struct {
	StreamType uint32
	Location   Location
}

// Stream types (MINIDUMP_STREAM_TYPE), plus the Breakpad and Crashpad
// extensions that common readers understand.
const (
	StreamUnused              uint32 = 0
	StreamThreadList          uint32 = 3
	StreamModuleList          uint32 = 4
	StreamMemoryList          uint32 = 5
	StreamException           uint32 = 6
	StreamSystemInfo          uint32 = 7
	StreamThreadExList        uint32 = 8
	StreamMemory64List        uint32 = 9
	StreamCommentA            uint32 = 10
	StreamCommentW            uint32 = 11
	StreamHandleData          uint32 = 12
	StreamFunctionTable       uint32 = 13
	StreamUnloadedModuleList  uint32 = 14
	StreamMiscInfo            uint32 = 15
	StreamMemoryInfoList      uint32 = 16
	StreamThreadInfoList      uint32 = 17
	StreamHandleOperationList uint32 = 18
	StreamToken               uint32 = 19
	StreamJavaScriptData      uint32 = 20
	StreamSystemMemoryInfo    uint32 = 21
	StreamProcessVMCounters   uint32 = 22
	StreamIptTrace            uint32 = 23
	StreamThreadNames         uint32 = 24

	// LastReservedStream is the highest type reserved by Microsoft. Custom
	// streams use values above it.
	LastReservedStream uint32 = 0xffff

	StreamBreakpadInfo    uint32 = 0x47670001
	StreamLinuxCPUInfo    uint32 = 0x47670003
	StreamLinuxProcStatus uint32 = 0x47670004
	StreamLinuxLSBRelease uint32 = 0x47670005
	StreamLinuxCmdLine    uint32 = 0x47670006
	StreamLinuxEnviron    uint32 = 0x47670007
	StreamLinuxAuxv       uint32 = 0x47670008
	StreamLinuxMaps       uint32 = 0x47670009
	StreamCrashpadInfo    uint32 = 0x43500001
	StreamAnnotations     uint32 = 0x4d440001
)

// Header flags (MINIDUMP_TYPE).
const (
	FlagNormal              uint64 = 0x00000000
	FlagWithDataSegs        uint64 = 0x00000001
	FlagWithFullMemory      uint64 = 0x00000002
	FlagWithHandleData      uint64 = 0x00000004
	FlagFilterMemory        uint64 = 0x00000008
	FlagScanMemory          uint64 = 0x00000010
	FlagWithUnloadedModules uint64 = 0x00000020
	FlagWithThreadInfo      uint64 = 0x00001000
)

// AnnotationEntry is one key/value pair of an annotations stream. Both fields
// point at UTF-8 string records (see Store.WriteUTF8String).
type AnnotationEntry struct {
	Key   uint32
	Value uint32
}

type annotationsHeader struct {
	Count uint32
}

const annotationEntrySize = 8

// MiscInfo is MINIDUMP_MISC_INFO, the first version of the misc info stream.
type MiscInfo struct {
	SizeOfInfo        uint32
	Flags1            uint32
	ProcessID         uint32
	ProcessCreateTime uint32
	ProcessUserTime   uint32
	ProcessKernelTime uint32
}

const (
	MiscInfoSize = 24

	MiscProcessID    uint32 = 0x00000001
	MiscProcessTimes uint32 = 0x00000002
)

var streamTypeNames = map[uint32]string{
	StreamUnused:              "Unused",
	StreamThreadList:          "ThreadList",
	StreamModuleList:          "ModuleList",
	StreamMemoryList:          "MemoryList",
	StreamException:           "Exception",
	StreamSystemInfo:          "SystemInfo",
	StreamThreadExList:        "ThreadExList",
	StreamMemory64List:        "Memory64List",
	StreamCommentA:            "CommentA",
	StreamCommentW:            "CommentW",
	StreamHandleData:          "HandleData",
	StreamFunctionTable:       "FunctionTable",
	StreamUnloadedModuleList:  "UnloadedModuleList",
	StreamMiscInfo:            "MiscInfo",
	StreamMemoryInfoList:      "MemoryInfoList",
	StreamThreadInfoList:      "ThreadInfoList",
	StreamHandleOperationList: "HandleOperationList",
	StreamToken:               "Token",
	StreamJavaScriptData:      "JavaScriptData",
	StreamSystemMemoryInfo:    "SystemMemoryInfo",
	StreamProcessVMCounters:   "ProcessVMCounters",
	StreamIptTrace:            "IptTrace",
	StreamThreadNames:         "ThreadNames",
	StreamBreakpadInfo:        "BreakpadInfo",
	StreamLinuxCPUInfo:        "LinuxCPUInfo",
	StreamLinuxProcStatus:     "LinuxProcStatus",
	StreamLinuxLSBRelease:     "LinuxLSBRelease",
	StreamLinuxCmdLine:        "LinuxCmdLine",
	StreamLinuxEnviron:        "LinuxEnviron",
	StreamLinuxAuxv:           "LinuxAuxv",
	StreamLinuxMaps:           "LinuxMaps",
	StreamCrashpadInfo:        "CrashpadInfo",
	StreamAnnotations:         "Annotations",
}

// StreamTypeName returns a short name for a known stream type, or its hex
// value otherwise.
func StreamTypeName(streamType uint32) string {
	if name, ok := streamTypeNames[streamType]; ok {
		return name
	}
	return fmt.Sprintf("0x%x", streamType)
}
