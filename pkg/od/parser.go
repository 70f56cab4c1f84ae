package od

import (
	"embed"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

//go:embed master.eds slave.eds
var embedded embed.FS

// Get index & subindex matching
var matchIdxRegExp = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
var matchSubidxRegExp = regexp.MustCompile(`^([0-9A-Fa-f]{4})sub([0-9A-Fa-f]+)$`)
var matchNodeIdRegExp = regexp.MustCompile(`\+?\$NODEID\+?`)

// Default returns the built-in dictionary for the given role
func Default(master bool, nodeId uint8) *ObjectDictionary {
	name := "slave.eds"
	if master {
		name = "master.eds"
	}
	raw, err := embedded.ReadFile(name)
	if err != nil {
		panic(err)
	}
	od, err := Parse(raw, nodeId)
	if err != nil {
		panic(err)
	}
	return od
}

// Parse an EDS file
// file can be either a path or an *os.File or []byte
func Parse(file any, nodeId uint8) (*ObjectDictionary, error) {
	od := NewOD()
	edsFile, err := ini.Load(file)
	if err != nil {
		return nil, err
	}
	for _, section := range edsFile.Sections() {
		name := section.Name()
		switch {
		case matchIdxRegExp.MatchString(name):
			idx, err := strconv.ParseUint(name, 16, 16)
			if err != nil {
				return nil, err
			}
			objectType := ObjectTypeVAR
			if key := section.Key("ObjectType").String(); key != "" {
				parsed, err := strconv.ParseUint(key, 0, 8)
				if err != nil {
					return nil, fmt.Errorf("[%v] invalid object type %q : %w", name, key, err)
				}
				objectType = uint8(parsed)
			}
			// Records and arrays are populated by their sub sections
			if objectType != ObjectTypeVAR {
				continue
			}
			if err := addSectionVariable(od, section, uint16(idx), 0, nodeId); err != nil {
				return nil, err
			}
		case matchSubidxRegExp.MatchString(name):
			match := matchSubidxRegExp.FindStringSubmatch(name)
			idx, err := strconv.ParseUint(match[1], 16, 16)
			if err != nil {
				return nil, err
			}
			sub, err := strconv.ParseUint(match[2], 16, 8)
			if err != nil {
				return nil, err
			}
			if err := addSectionVariable(od, section, uint16(idx), uint8(sub), nodeId); err != nil {
				return nil, err
			}
		}
	}
	return od, nil
}

func addSectionVariable(od *ObjectDictionary, section *ini.Section, index uint16, subindex uint8, nodeId uint8) error {
	dataType, err := strconv.ParseUint(section.Key("DataType").String(), 0, 8)
	if err != nil {
		return fmt.Errorf("[%v] invalid data type : %w", section.Name(), err)
	}
	attribute, err := parseAccessType(section.Key("AccessType").String())
	if err != nil {
		return fmt.Errorf("[%v] %w", section.Name(), err)
	}
	defaultValue := section.Key("DefaultValue").String()
	var offset uint8
	if strings.Contains(defaultValue, "$NODEID") {
		defaultValue = matchNodeIdRegExp.ReplaceAllString(defaultValue, "")
		offset = nodeId
	}
	v, err := od.AddVariable(index, subindex, section.Key("ParameterName").String(), uint8(dataType), attribute, defaultValue)
	if err != nil {
		return fmt.Errorf("[%v] %w", section.Name(), err)
	}
	if offset != 0 {
		value, err := EncodeFromString(defaultValue, v.DataType, offset)
		if err != nil {
			return err
		}
		return od.Write(index, subindex, value)
	}
	return nil
}

func parseAccessType(accessType string) (uint8, error) {
	switch strings.ToLower(accessType) {
	case "rw", "rwr", "rww":
		return AttributeSdoRw, nil
	case "ro", "const":
		return AttributeSdoR, nil
	case "wo":
		return AttributeSdoW, nil
	default:
		return 0, fmt.Errorf("invalid access type %q", accessType)
	}
}
