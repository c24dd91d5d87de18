package metrics

import "strconv"

func stackLabel(stackID uint8) string { return strconv.Itoa(int(stackID)) }

func lineLabel(line uint16) string { return strconv.Itoa(int(line)) }

func flagsLabel(flags uint8) string { return strconv.FormatUint(uint64(flags), 16) }

func headerLabel(header uint32) string { return strconv.FormatUint(uint64(header), 16) }
