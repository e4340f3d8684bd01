package envelope

import (
	"bytes"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"eigenl2/offchain/internal/apperrors"
)

// MaxTokenAmounts is the most token transfers one bridge message may carry
const MaxTokenAmounts = 5

// SenderABI is the L2 bridge sender entry point
const SenderABI = `[
	{
		"inputs": [
			{"internalType": "uint64", "name": "_destinationChainSelector", "type": "uint64"},
			{"internalType": "address", "name": "_receiver", "type": "address"},
			{"internalType": "string", "name": "_text", "type": "string"},
			{"components": [
				{"internalType": "address", "name": "token", "type": "address"},
				{"internalType": "uint256", "name": "amount", "type": "uint256"}
			], "internalType": "struct Client.EVMTokenAmount[]", "name": "_tokenAmounts", "type": "tuple[]"},
			{"internalType": "uint256", "name": "_overrideGasLimit", "type": "uint256"}
		],
		"name": "sendMessagePayNative",
		"outputs": [{"internalType": "bytes32", "name": "messageId", "type": "bytes32"}],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "bytes32", "name": "messageId", "type": "bytes32"},
			{"indexed": true, "internalType": "uint64", "name": "destinationChainSelector", "type": "uint64"},
			{"indexed": false, "internalType": "address", "name": "receiver", "type": "address"},
			{"indexed": false, "internalType": "string", "name": "text", "type": "string"},
			{"indexed": false, "internalType": "address", "name": "feeToken", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "fees", "type": "uint256"}
		],
		"name": "MessageSent",
		"type": "event"
	}
]`

const sendMethod = "sendMessagePayNative"

var senderABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(SenderABI))
	if err != nil {
		panic(fmt.Sprintf("failed to parse sender ABI: %v", err))
	}
	senderABI = parsed
}

// MessageSentTopic is topic[0] of the sender's MessageSent event; topic[1] is the message id
func MessageSentTopic() common.Hash {
	return senderABI.Events["MessageSent"].ID
}

// TokenAmount is one token transfer bundled with a bridge message
type TokenAmount struct {
	Token  common.Address
	Amount *big.Int
}

// DispatchParams are the arguments of sendMessagePayNative
type DispatchParams struct {
	DestinationChainSelector uint64
	Receiver                 common.Address
	Message                  []byte // envelope bytes, carried verbatim
	TokenAmounts             []TokenAmount
	GasLimit                 *big.Int
}

func (p DispatchParams) validate() error {
	const op = "envelope.dispatch"
	if p.DestinationChainSelector == 0 {
		return apperrors.Validation(op, "destination chain selector is required")
	}
	if p.Receiver == (common.Address{}) {
		return apperrors.Validation(op, "receiver must not be the zero address")
	}
	if p.GasLimit == nil || p.GasLimit.Sign() <= 0 {
		return apperrors.Validation(op, "gas limit must be positive")
	}
	if len(p.TokenAmounts) > MaxTokenAmounts {
		return apperrors.Validation(op, "%d token amounts exceed the limit of %d", len(p.TokenAmounts), MaxTokenAmounts)
	}
	for i, ta := range p.TokenAmounts {
		if ta.Token == (common.Address{}) {
			return apperrors.Validation(op, "token amount %d has a zero token address", i)
		}
		if ta.Amount == nil || ta.Amount.Sign() < 0 {
			return apperrors.Validation(op, "token amount %d must be non-negative", i)
		}
	}
	return nil
}

// EncodeDispatch builds the call data for the bridge sender.
// The message argument is the envelope's raw bytes; hex-encoding it first would corrupt the payload.
func EncodeDispatch(p DispatchParams) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	tokens := p.TokenAmounts
	if tokens == nil {
		tokens = []TokenAmount{}
	}

	data, err := senderABI.Pack(sendMethod,
		p.DestinationChainSelector,
		p.Receiver,
		string(p.Message),
		tokens,
		p.GasLimit,
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, "envelope.dispatch", err, "failed to encode dispatch")
	}
	return data, nil
}

// DecodeDispatch parses call data produced by EncodeDispatch
func DecodeDispatch(data []byte) (*DispatchParams, error) {
	const op = "envelope.decodeDispatch"
	method := senderABI.Methods[sendMethod]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return nil, apperrors.Validation(op, "call data does not target %s", sendMethod)
	}

	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, op, err, "failed to decode dispatch")
	}
	if len(values) != 5 {
		return nil, apperrors.Validation(op, "expected 5 arguments, got %d", len(values))
	}

	params := &DispatchParams{}
	var ok bool
	if params.DestinationChainSelector, ok = values[0].(uint64); !ok {
		return nil, apperrors.Validation(op, "unexpected chain selector type %T", values[0])
	}
	if params.Receiver, ok = values[1].(common.Address); !ok {
		return nil, apperrors.Validation(op, "unexpected receiver type %T", values[1])
	}
	text, ok := values[2].(string)
	if !ok {
		return nil, apperrors.Validation(op, "unexpected message type %T", values[2])
	}
	params.Message = []byte(text)
	if params.GasLimit, ok = values[4].(*big.Int); !ok {
		return nil, apperrors.Validation(op, "unexpected gas limit type %T", values[4])
	}

	// The decoder yields an anonymous struct slice; read it field by field.
	tuples := reflect.ValueOf(values[3])
	if tuples.Kind() != reflect.Slice {
		return nil, apperrors.Validation(op, "unexpected token amounts type %T", values[3])
	}
	params.TokenAmounts = make([]TokenAmount, 0, tuples.Len())
	for i := 0; i < tuples.Len(); i++ {
		elem := tuples.Index(i)
		token, tokOK := elem.FieldByName("Token").Interface().(common.Address)
		amount, amtOK := elem.FieldByName("Amount").Interface().(*big.Int)
		if !tokOK || !amtOK {
			return nil, apperrors.Validation(op, "malformed token amount %d", i)
		}
		params.TokenAmounts = append(params.TokenAmounts, TokenAmount{Token: token, Amount: amount})
	}

	return params, nil
}
