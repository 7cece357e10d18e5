// This package holds the CAN frame and bus primitives shared by the
// SAE J1939 protocol packages of this module.
package j1939
